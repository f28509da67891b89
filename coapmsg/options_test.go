package coapmsg

import (
	"bytes"
	"testing"
)

func collectNumbers(t *testing.T, o *Options) []uint16 {
	t.Helper()
	var out []uint16
	for it := o.Begin(); !it.End(); {
		n, err := it.Number()
		if err != nil {
			t.Fatalf("Number: %v", err)
		}
		out = append(out, n)
		if err := it.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	return out
}

func TestOptionsInsertKeepsAscendingOrder(t *testing.T) {
	o := NewOptions()
	if err := o.Insert(uint16(OptionURIPath), []byte("b")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := o.Insert(uint16(OptionContentFormat), []byte{0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := o.Insert(uint16(OptionIfMatch), []byte("a")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got := collectNumbers(t, &o)
	want := []uint16{uint16(OptionIfMatch), uint16(OptionURIPath), uint16(OptionContentFormat)}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestOptionsInsertSamePreservesRelativeOrder(t *testing.T) {
	o := NewOptions()
	_ = o.Insert(uint16(OptionURIPath), []byte("first"))
	_ = o.Insert(uint16(OptionURIPath), []byte("second"))

	var values []string
	for it := o.Begin(); !it.End(); {
		v, err := it.Value()
		if err != nil {
			t.Fatalf("Value: %v", err)
		}
		values = append(values, string(v))
		_ = it.Next()
	}
	if len(values) != 2 || values[0] != "first" || values[1] != "second" {
		t.Fatalf("values = %v", values)
	}
}

func TestOptionsEraseRestoresSuccessorDelta(t *testing.T) {
	o := NewOptions()
	_ = o.Insert(uint16(OptionIfMatch), []byte("a"))
	_ = o.Insert(uint16(OptionURIPath), []byte("mid"))
	_ = o.Insert(uint16(OptionAccept), []byte{1})

	it, ok := o.FindFirst(OptionURIPath)
	if !ok {
		t.Fatalf("FindFirst: not found")
	}
	if _, err := o.Erase(it); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	got := collectNumbers(t, &o)
	want := []uint16{uint16(OptionIfMatch), uint16(OptionAccept)}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestOptionsDelRemovesAllMatching(t *testing.T) {
	o := NewOptions()
	_ = o.Insert(uint16(OptionURIPath), []byte("a"))
	_ = o.Insert(uint16(OptionURIPath), []byte("b"))
	_ = o.Insert(uint16(OptionAccept), []byte{1})

	if err := o.Del(OptionURIPath); err != nil {
		t.Fatalf("Del: %v", err)
	}
	got := collectNumbers(t, &o)
	if len(got) != 1 || got[0] != uint16(OptionAccept) {
		t.Fatalf("got %v, want only Accept left", got)
	}
}

func TestOptionsFindFirstNotPresent(t *testing.T) {
	o := NewOptions()
	_ = o.Insert(uint16(OptionAccept), []byte{1})
	if _, ok := o.FindFirst(OptionURIPath); ok {
		t.Fatalf("FindFirst found an option that was never inserted")
	}
}

func TestAddU32MinimalEncoding(t *testing.T) {
	o := NewOptions()
	if err := o.AddU32(OptionSize1, 300); err != nil {
		t.Fatalf("AddU32: %v", err)
	}
	it, ok := o.FindFirst(OptionSize1)
	if !ok {
		t.Fatalf("option not found")
	}
	v, err := it.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if len(v) != 2 || !bytes.Equal(v, []byte{1, 44}) {
		t.Fatalf("value = %v, want minimally-encoded 300", v)
	}
}

func TestSetContentFormatReplacesExisting(t *testing.T) {
	o := NewOptions()
	if err := o.SetContentFormat(0); err != nil {
		t.Fatalf("SetContentFormat: %v", err)
	}
	if err := o.SetContentFormat(60); err != nil {
		t.Fatalf("SetContentFormat: %v", err)
	}
	it, ok := o.FindFirst(OptionContentFormat)
	if !ok {
		t.Fatalf("Content-Format missing")
	}
	v, _ := it.Value()
	if len(v) != 1 || v[0] != 60 {
		t.Fatalf("value = %v, want [60]", v)
	}
	if err := it.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !it.End() {
		t.Fatalf("unexpected second option present")
	}
}

func TestSetContentFormatNoneRemoves(t *testing.T) {
	o := NewOptions()
	_ = o.SetContentFormat(0)
	if err := o.SetContentFormat(ContentFormatNone); err != nil {
		t.Fatalf("SetContentFormat: %v", err)
	}
	if _, ok := o.FindFirst(OptionContentFormat); ok {
		t.Fatalf("Content-Format still present after ContentFormatNone")
	}
}

func TestAddETagRejectsBadLength(t *testing.T) {
	o := NewOptions()
	if err := o.AddETag(nil); err == nil {
		t.Fatalf("expected error for empty ETag")
	}
	if err := o.AddETag(make([]byte, 9)); err == nil {
		t.Fatalf("expected error for over-long ETag")
	}
}

func TestAddBlockAndGetBlockRoundTrip(t *testing.T) {
	o := NewOptions()
	b := Block{Kind: Block1, SeqNum: 4, More: true, Size: 64}
	if err := o.AddBlock(b); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	got, ok, err := o.GetBlock(Block1)
	if err != nil || !ok {
		t.Fatalf("GetBlock: %v, ok=%v", err, ok)
	}
	if got.SeqNum != 4 || !got.More || got.Size != 64 {
		t.Fatalf("got %+v", got)
	}
}

func TestOptionsViewInsertFailsWhenFull(t *testing.T) {
	o := NewOptionsView(make([]byte, 1), 0)
	if err := o.Insert(uint16(OptionAccept), []byte{1, 2, 3}); err != ErrOptionsFull {
		t.Fatalf("err = %v, want ErrOptionsFull", err)
	}
}

func TestOptionsEqualRespectsSelector(t *testing.T) {
	a := NewOptions()
	_ = a.Insert(uint16(OptionURIPath), []byte("x"))
	_ = a.Insert(uint16(OptionBlock1), []byte{0x05})

	b := NewOptions()
	_ = b.Insert(uint16(OptionURIPath), []byte("x"))
	_ = b.Insert(uint16(OptionBlock1), []byte{0x18})

	if OptionsEqual(&a, &b, nil) {
		t.Fatalf("expected unequal when comparing every option (differing BLOCK1 values)")
	}
	if !OptionsEqual(&a, &b, IsRequestKeyOption) {
		t.Fatalf("expected equal when BLOCK1 is excluded from the comparison")
	}
}

func TestValidateOptionsUntilPayloadMarker(t *testing.T) {
	o := NewOptions()
	_ = o.Insert(uint16(OptionURIPath), []byte("a"))
	buf := append(append([]byte{}, o.Bytes()...), PayloadMarker, 'h', 'i')

	res, err := ValidateOptionsUntilPayloadMarker(buf)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.PayloadMarker || res.OptionsEnd != o.Len() {
		t.Fatalf("res = %+v, want marker at %d", res, o.Len())
	}
}

func TestValidateOptionsRejectsDuplicateNonRepeatableCritical(t *testing.T) {
	o := NewOptions()
	_ = o.Insert(uint16(OptionIfNoneMatch), nil)
	_ = o.Insert(uint16(OptionIfNoneMatch), nil)
	if _, err := ValidateOptionsUntilPayloadMarker(o.Bytes()); err != ErrMalformedOptions {
		t.Fatalf("err = %v, want ErrMalformedOptions", err)
	}
}
