package capnweb

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeMessageRoundTrip(t *testing.T) {
	line := `["pull",3]`
	msg, err := DecodeMessage(line)
	require.Nil(t, err)
	pull, ok := msg.(PullMessage)
	require.True(t, ok)
	assert.Equal(t, ImportID(3), pull.ID)

	out, err := EncodeMessage(msg)
	require.Nil(t, err)
	assert.Equal(t, line, out)
}

func TestDecodeMessageRejectsEmptyLine(t *testing.T) {
	_, err := DecodeMessage("   ")
	require.NotNil(t, err)
	assert.Equal(t, KindBadRequest, err.Kind)
}

func TestDecodeMessageRejectsOversizedFrame(t *testing.T) {
	huge := strings.Repeat("a", MaxFrameSize+1)
	_, err := DecodeMessage(`["push","` + huge + `"]`)
	require.NotNil(t, err)
	assert.Equal(t, KindBadRequest, err.Kind)
}

func TestDecodeMessageRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeMessage(`["push",`)
	require.NotNil(t, err)
	assert.Equal(t, KindBadRequest, err.Kind)
}

func TestLengthPrefixedFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := PushMessage{Expr: Literal{Value: "hi"}}

	rerr := WriteLengthPrefixedFrame(&buf, msg)
	require.Nil(t, rerr)

	got, rerr := ReadLengthPrefixedFrame(&buf)
	require.Nil(t, rerr)
	push, ok := got.(PushMessage)
	require.True(t, ok)
	lit, ok := push.Expr.(Literal)
	require.True(t, ok)
	assert.Equal(t, "hi", lit.Value)
}

func TestReadLengthPrefixedFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(header)

	_, rerr := ReadLengthPrefixedFrame(&buf)
	require.NotNil(t, rerr)
	assert.Equal(t, KindBadRequest, rerr.Kind)
}

func TestNewlineScannerSplitsMultipleMessages(t *testing.T) {
	input := "[\"pull\",1]\n\n[\"pull\",2]\n"
	scanner := NewlineScanner(strings.NewReader(input))

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	require.Len(t, lines, 2)
	assert.Equal(t, `["pull",1]`, lines[0])
	assert.Equal(t, `["pull",2]`, lines[1])
}
