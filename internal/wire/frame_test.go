package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	cases := []*Frame{
		{RequestID: 1, Kind: KindBindService, ServiceName: "ConsumerPort"},
		{
			RequestID: 2, Kind: KindBindServiceReply, Success: true, ServiceID: 7,
			Methods: []Method{{Name: "EnableTracing", ID: 1}, {Name: "ReadBuffers", ID: 2}},
		},
		{RequestID: 3, Kind: KindInvokeMethod, InvokeServiceID: 7, MethodID: 2, Args: []byte{1, 2, 3}},
		{RequestID: 4, Kind: KindInvokeMethodReply, Success: true, HasMore: true, Reply: []byte("partial")},
		{RequestID: 5, Kind: KindInvokeMethodReply, Success: false, ErrorMessage: "unknown method"},
	}

	for _, want := range cases {
		payload := Marshal(want)
		got, err := Unmarshal(payload)
		require.NoError(t, err)
		require.Equal(t, want.RequestID, got.RequestID)
		require.Equal(t, want.Kind, got.Kind)
		require.Equal(t, want.HasMore, got.HasMore)
		require.Equal(t, want.ServiceName, got.ServiceName)
		require.Equal(t, want.Success, got.Success)
		require.Equal(t, want.ServiceID, got.ServiceID)
		require.Equal(t, want.Methods, got.Methods)
		require.Equal(t, want.InvokeServiceID, got.InvokeServiceID)
		require.Equal(t, want.MethodID, got.MethodID)
		require.Equal(t, want.Args, got.Args)
		require.Equal(t, want.Reply, got.Reply)
		require.Equal(t, want.ErrorMessage, got.ErrorMessage)
	}
}

func TestUnmarshalSkipsUnknownTag(t *testing.T) {
	f := &Frame{RequestID: 9, Kind: KindBindService, ServiceName: "ConsumerPort"}
	payload := Marshal(f)

	// Append an unknown tag (250) with garbage bytes; it must be skipped,
	// not fail the parse, so a newer peer's added fields never break this
	// one.
	extra := marshalTLVs(tlv{250, []byte("future-field")})
	payload = append(payload, extra...)

	got, err := Unmarshal(payload)
	require.NoError(t, err)
	require.Equal(t, "ConsumerPort", got.ServiceName)
}

func TestUnmarshalTruncatedPayload(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{RequestID: 1, Kind: KindBindService, ServiceName: "x"}))

	_, err := ReadFrame(&buf, 4) // absurdly small cap
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrameThenReadFrame(t *testing.T) {
	var buf bytes.Buffer
	want := &Frame{
		RequestID: 42, Kind: KindInvokeMethod, InvokeServiceID: 1, MethodID: 3,
		Args: []byte("deadbeef"),
	}
	require.NoError(t, WriteFrame(&buf, want))

	got, err := ReadFrame(&buf, 64*1024*1024)
	require.NoError(t, err)
	require.Equal(t, want.RequestID, got.RequestID)
	require.Equal(t, want.InvokeServiceID, got.InvokeServiceID)
	require.Equal(t, want.MethodID, got.MethodID)
	require.Equal(t, want.Args, got.Args)
}

func TestReadFrameMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{RequestID: 1, Kind: KindBindService, ServiceName: "A"}))
	require.NoError(t, WriteFrame(&buf, &Frame{RequestID: 2, Kind: KindBindService, ServiceName: "B"}))

	first, err := ReadFrame(&buf, 1<<20)
	require.NoError(t, err)
	require.Equal(t, "A", first.ServiceName)

	second, err := ReadFrame(&buf, 1<<20)
	require.NoError(t, err)
	require.Equal(t, "B", second.ServiceName)
}
