package errors

import (
	"errors"
	"syscall"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "invalid input")
	if err.Error() != "invalid input" {
		t.Errorf("expected 'invalid input', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to validate")
	if wrapped.Error() != "failed to validate: invalid input" {
		t.Errorf("expected 'failed to validate: invalid input', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindValidation, "invalid input")
	if GetKind(err) != KindValidation {
		t.Errorf("expected KindValidation, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindValidation, "invalid input")
	err = Attr(err, "field", "anchor")
	err = Attr(err, "value", 80)

	attrs := GetAttributes(err)
	if attrs["field"] != "anchor" {
		t.Errorf("expected anchor, got %v", attrs["field"])
	}
	if attrs["value"] != 80 {
		t.Errorf("expected 80, got %v", attrs["value"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "operation", "commit")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["field"] != "anchor" || allAttrs["operation"] != "commit" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := Wrapf(ErrTruncatedBuffer, KindTruncated, "record %d", 3)
	if !Is(err, ErrTruncatedBuffer) {
		t.Fatalf("wrapped sentinel not matched: %v", err)
	}
	if Is(err, ErrMalformedRecord) {
		t.Error("matched the wrong sentinel")
	}
	if GetKind(err) != KindTruncated {
		t.Errorf("expected KindTruncated, got %v", GetKind(err))
	}
}

func TestKernelCode(t *testing.T) {
	err := Rejected("commit", syscall.EBUSY)
	if GetKind(err) != KindKernel {
		t.Errorf("expected KindKernel, got %v", GetKind(err))
	}

	code, ok := KernelCode(Wrap(err, KindInternal, "apply"))
	if !ok || code != syscall.EBUSY {
		t.Errorf("expected EBUSY, got %v (ok=%v)", code, ok)
	}
	if !Is(err, syscall.EBUSY) {
		t.Error("errno should be reachable through Is")
	}

	if _, ok := KernelCode(ErrInvalidTicket); ok {
		t.Error("non-kernel error reported a code")
	}
}
