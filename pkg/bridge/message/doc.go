// Package message defines the values that flow through the bridge:
// inbound bus messages, decoded records, buffered entries, write batches
// and commit receipts.
package message
