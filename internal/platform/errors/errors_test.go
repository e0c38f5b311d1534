package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	t.Parallel()

	sentinel := New(CodeMissingSnapshot, "missing snapshot")
	err := fmt.Errorf("rehydrate: %w", WithMetadata(CodeMissingSnapshot, "snapshot abc missing", map[string]string{"Ref": "abc"}))
	if !stderrors.Is(err, sentinel) {
		t.Fatalf("errors.Is(%v, %v) = false, want true", err, sentinel)
	}
	if stderrors.Is(err, New(CodeNoData, "no data")) {
		t.Fatal("expected codes to differ")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	t.Parallel()

	err := Wrap(CodeReplayIncomplete, "replay incomplete", stderrors.New("disk gone"))
	if got, want := err.Error(), "replay incomplete: disk gone"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if stderrors.Unwrap(err) == nil {
		t.Fatal("expected cause to unwrap")
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code Code
		want codes.Code
	}{
		{CodeInvalidArgument, codes.InvalidArgument},
		{CodeNotFound, codes.NotFound},
		{CodeNoData, codes.NotFound},
		{CodeMissingSnapshot, codes.NotFound},
		{CodeSessionClosed, codes.FailedPrecondition},
		{CodeStructuralDrift, codes.FailedPrecondition},
		{CodeReplayIncomplete, codes.Aborted},
		{CodeReplayUnavailable, codes.Unimplemented},
		{CodeUnknown, codes.Internal},
	}
	for _, tc := range tests {
		if got := tc.code.GRPCCode(); got != tc.want {
			t.Fatalf("%s.GRPCCode() = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestHandleErrorAttachesDetails(t *testing.T) {
	t.Parallel()

	err := HandleError(WithMetadata(CodeNotFound, "call 7 not found", map[string]string{"Resource": "call"}), "")
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected grpc status, got %v", err)
	}
	if st.Code() != codes.NotFound {
		t.Fatalf("code = %v, want %v", st.Code(), codes.NotFound)
	}
	var info *errdetails.ErrorInfo
	var localized *errdetails.LocalizedMessage
	for _, detail := range st.Details() {
		switch d := detail.(type) {
		case *errdetails.ErrorInfo:
			info = d
		case *errdetails.LocalizedMessage:
			localized = d
		}
	}
	if info == nil || info.Reason != string(CodeNotFound) {
		t.Fatalf("error info = %v, want reason %s", info, CodeNotFound)
	}
	if localized == nil || localized.Message != "The requested call was not found" {
		t.Fatalf("localized = %v", localized)
	}
}

func TestHandleErrorUnknownAndContext(t *testing.T) {
	t.Parallel()

	if HandleError(nil, "") != nil {
		t.Fatal("expected nil for nil error")
	}
	if got := status.Code(HandleError(stderrors.New("boom"), "")); got != codes.Internal {
		t.Fatalf("code = %v, want %v", got, codes.Internal)
	}
	if got := status.Code(HandleError(context.Canceled, "")); got != codes.Canceled {
		t.Fatalf("code = %v, want %v", got, codes.Canceled)
	}
}

func TestGetCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", New(CodeSessionClosed, "closed"))
	if got := GetCode(err); got != CodeSessionClosed {
		t.Fatalf("GetCode = %s, want %s", got, CodeSessionClosed)
	}
	if !IsCode(err, CodeSessionClosed) {
		t.Fatal("expected IsCode to match")
	}
	if got := GetCode(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("GetCode = %s, want %s", got, CodeUnknown)
	}
}
