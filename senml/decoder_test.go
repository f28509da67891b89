package senml

import (
	"errors"
	"testing"
)

func decodeAll(t *testing.T, data []byte) []Entry {
	t.Helper()
	d := NewDecoder()
	if err := d.Feed(data, true); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	var out []Entry
	want := TypeAny
	for {
		status, entry, mask, err := d.Next(want)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		switch status {
		case StatusEOF:
			return out
		case StatusWantTypeDisambiguation:
			if mask&TypeMask(TypeInt) == 0 {
				t.Fatalf("expected INT to be an acceptable type, mask=%v", mask)
			}
			want = TypeMask(TypeInt)
		case StatusReady:
			out = append(out, *entry)
			want = TypeAny
		case StatusWantNextPayload:
			t.Fatalf("unexpected want-next-payload on fully-fed input")
		}
	}
}

func TestDecodeSingleResourceValue(t *testing.T) {
	// 81 A2 00 68 /13/26/1 02 18 2A
	data := []byte{
		0x81,
		0xA2,
		0x00, 0x68, '/', '1', '3', '/', '2', '6', '/', '1',
		0x02, 0x18, 0x2A,
	}
	entries := decodeAll(t, data)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Path.String() != "/13/26/1" {
		t.Errorf("path = %q, want /13/26/1", e.Path.String())
	}
	if e.Type != TypeInt || e.Int != 42 {
		t.Errorf("entry = %+v, want INT 42", e)
	}
}

func TestDecodeStreamingBasename(t *testing.T) {
	data := []byte{
		0x82,
		0xA3,
		0x00, 0x69, '3', '7', '/', '6', '9', '/', '4', '2', '0',
		0x02, 0x18, 0x2A,
		0x21, 0x63, '/', '2', '1',
		0xA2,
		0x00, 0x64, '/', '3', '/', '7',
		0x02, 0x19, 0x08, 0x59,
	}
	entries := decodeAll(t, data)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Path.String() != "/2137/69/420" || entries[0].Int != 42 {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Path.String() != "/21/3/7" || entries[1].Int != 2137 {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}

func TestDecodeIncrementalFeed(t *testing.T) {
	data := []byte{
		0x81,
		0xA2,
		0x00, 0x68, '/', '1', '3', '/', '2', '6', '/', '1',
		0x02, 0x18, 0x2A,
	}
	d := NewDecoder()
	// Feed one byte at a time, except the last, non-final.
	for i := 0; i < len(data)-1; i++ {
		if err := d.Feed(data[i:i+1], false); err != nil {
			t.Fatalf("Feed: %v", err)
		}
		status, _, _, err := d.Next(TypeAny)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if status != StatusWantNextPayload {
			t.Fatalf("byte %d: status = %v, want WantNextPayload", i, status)
		}
	}
	if err := d.Feed(data[len(data)-1:], true); err != nil {
		t.Fatalf("final Feed: %v", err)
	}
	status, entry, mask, err := d.Next(TypeAny)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if status != StatusWantTypeDisambiguation {
		t.Fatalf("status = %v, want WantTypeDisambiguation", status)
	}
	if mask&TypeMask(TypeInt) == 0 {
		t.Fatalf("mask %v missing INT", mask)
	}
	if entry.Path.String() != "/13/26/1" {
		t.Fatalf("path = %q", entry.Path.String())
	}
	status, entry, _, err = d.Next(TypeMask(TypeInt))
	if err != nil {
		t.Fatalf("Next confirm: %v", err)
	}
	if status != StatusReady || entry.Int != 42 {
		t.Fatalf("entry = %+v, status = %v", entry, status)
	}
}

func TestDecodeRejectsNonArrayTopLevel(t *testing.T) {
	d := NewDecoder()
	d.Feed([]byte{0xA1, 0x00, 0x01}, true)
	_, _, _, err := d.Next(TypeAny)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestDecodeRejectsUnrecognizedLabel(t *testing.T) {
	// array(1), map(1), key 6 (time label, not accepted), value 1
	d := NewDecoder()
	d.Feed([]byte{0x81, 0xA1, 0x06, 0x01}, true)
	_, _, _, err := d.Next(TypeAny)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

func TestDecodeRejectsDuplicateName(t *testing.T) {
	data := []byte{
		0x81,
		0xA2,
		0x00, 0x61, 'a',
		0x00, 0x61, 'b',
	}
	d := NewDecoder()
	d.Feed(data, true)
	_, _, _, err := d.Next(TypeAny)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
}

// TestDecodeChunkedStringValueStreamsWithoutBuffering mirrors the
// chunked-value test cases in the original fluf SenML-CBOR decoder
// tests: an indefinite-length text string value is split across two
// explicit CBOR chunks, and Next must hand them back one real chunk at a
// time (full_length_hint == 0) followed by a terminal zero-length chunk
// carrying the now-known total length, rather than buffering the whole
// value before returning it.
func TestDecodeChunkedStringValueStreamsWithoutBuffering(t *testing.T) {
	first := "chunk-one-"
	second := "chunk-two!"
	data := []byte{
		0x81,
		0xA2,
		0x00, 0x64, '/', '1', '/', '2',
		0x03, 0x7F, // label 3 (string value), indefinite-length text string
	}
	data = append(data, byte(0x60|len(first)))
	data = append(data, []byte(first)...)
	data = append(data, byte(0x60|len(second)))
	data = append(data, []byte(second)...)
	data = append(data, 0xFF) // break

	d := NewDecoder()
	if err := d.Feed(data, true); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	status, entry, _, err := d.Next(TypeAny)
	if err != nil || status != StatusReady {
		t.Fatalf("chunk 1: status=%v err=%v", status, err)
	}
	if entry.Path.String() != "/1/2" || entry.Type != TypeString {
		t.Fatalf("chunk 1 entry = %+v", entry)
	}
	if entry.Str != first || entry.Offset != 0 || entry.ChunkLength != len(first) || entry.FullLengthHint != 0 {
		t.Fatalf("chunk 1 = %q offset=%d chunkLen=%d hint=%d, want %q 0 %d 0",
			entry.Str, entry.Offset, entry.ChunkLength, entry.FullLengthHint, first, len(first))
	}

	status, entry, _, err = d.Next(TypeAny)
	if err != nil || status != StatusReady {
		t.Fatalf("chunk 2: status=%v err=%v", status, err)
	}
	if entry.Str != second || entry.Offset != len(first) || entry.ChunkLength != len(second) || entry.FullLengthHint != 0 {
		t.Fatalf("chunk 2 = %q offset=%d chunkLen=%d hint=%d, want %q %d %d 0",
			entry.Str, entry.Offset, entry.ChunkLength, entry.FullLengthHint, second, len(first), len(second))
	}

	total := len(first) + len(second)
	status, entry, _, err = d.Next(TypeAny)
	if err != nil || status != StatusReady {
		t.Fatalf("terminal chunk: status=%v err=%v", status, err)
	}
	if entry.Str != "" || entry.ChunkLength != 0 || entry.Offset != total || entry.FullLengthHint != total {
		t.Fatalf("terminal chunk = %+v, want empty at offset %d with hint %d", entry, total, total)
	}

	status, _, _, err = d.Next(TypeAny)
	if err != nil || status != StatusEOF {
		t.Fatalf("status = %v err=%v, want EOF after the only record", status, err)
	}
}

// TestDecodeChunkedValueNeedsMoreInputMidChunk confirms that feeding a
// chunked value incrementally, with the feed boundary landing inside a
// chunk's data, reports StatusWantNextPayload rather than erroring or
// losing the bytes already consumed.
func TestDecodeChunkedValueNeedsMoreInputMidChunk(t *testing.T) {
	value := "streamed-value"
	data := []byte{
		0x81,
		0xA2,
		0x00, 0x63, '/', '1', '/',
		0x03, 0x7F,
		byte(0x60 | len(value)),
	}
	data = append(data, []byte(value)...)
	data = append(data, 0xFF)

	d := NewDecoder()
	split := len(data) - 3 // stop partway through the chunk's text bytes
	if err := d.Feed(data[:split], false); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	status, _, _, err := d.Next(TypeAny)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if status != StatusWantNextPayload {
		t.Fatalf("status = %v, want WantNextPayload", status)
	}

	if err := d.Feed(data[split:], true); err != nil {
		t.Fatalf("final Feed: %v", err)
	}
	status, entry, _, err := d.Next(TypeAny)
	if err != nil || status != StatusReady || entry.Str != value {
		t.Fatalf("status=%v entry=%+v err=%v, want the full chunk %q", status, entry, err, value)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder()
	enc.AddInt(Path{13, 26, 1}, 42)
	enc.AddString(Path{3, 0, 0}, "hello")
	enc.AddBool(Path{3, 0, 1}, true)
	data := enc.Encode()

	entries := decodeAll(t, data)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Path.String() != "/13/26/1" || entries[0].Int != 42 {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Path.String() != "/3/0/0" || entries[1].Str != "hello" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if entries[2].Path.String() != "/3/0/1" || entries[2].Bool != true {
		t.Errorf("entry 2 = %+v", entries[2])
	}
}
