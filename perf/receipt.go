package perf

import (
	"encoding/binary"
	"fmt"
)

// ReceiptSize is the wire size of a receipt frame.
const ReceiptSize = 8

// EncodeReceipt serializes the responder's received-byte count.
func EncodeReceipt(count uint64) [ReceiptSize]byte {
	var b [ReceiptSize]byte
	binary.BigEndian.PutUint64(b[:], count)
	return b
}

// DecodeReceipt parses a receipt. b holds everything the peer sent before
// closing its write side, so a short buffer is a truncated receipt.
func DecodeReceipt(b []byte) (uint64, error) {
	if len(b) < ReceiptSize {
		return 0, fmt.Errorf("%w: receipt truncated at %d of %d bytes", ErrProtocolViolation, len(b), ReceiptSize)
	}
	return binary.BigEndian.Uint64(b[:ReceiptSize]), nil
}

// receiptReader accumulates a receipt across partial reads.
type receiptReader struct {
	buf [ReceiptSize]byte
	n   int
}

func (r *receiptReader) space() []byte {
	return r.buf[r.n:]
}

func (r *receiptReader) advance(n int) {
	r.n += n
}

func (r *receiptReader) full() bool {
	return r.n == ReceiptSize
}

// eof is called when the peer closed before the receipt completed.
func (r *receiptReader) eof() error {
	_, err := DecodeReceipt(r.buf[:r.n])
	return err
}

func (r *receiptReader) value() (uint64, error) {
	return DecodeReceipt(r.buf[:r.n])
}

// receiptWriter tracks how much of an outgoing receipt has been accepted.
type receiptWriter struct {
	buf [ReceiptSize]byte
	n   int
}

func newReceiptWriter(count uint64) *receiptWriter {
	return &receiptWriter{buf: EncodeReceipt(count)}
}

func (w *receiptWriter) pending() []byte {
	return w.buf[w.n:]
}

func (w *receiptWriter) advance(n int) {
	w.n += n
}

func (w *receiptWriter) done() bool {
	return w.n == ReceiptSize
}
