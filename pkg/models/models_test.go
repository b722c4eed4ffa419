package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBestSizePrefersOriginal(t *testing.T) {
	p := Photo{
		OriginalSize: PhotoSize{URL: "https://example.tumblr.com/a_1280.jpg", Width: 1280},
		AltSizes: []PhotoSize{
			{URL: "https://example.tumblr.com/a_250.jpg", Width: 250},
			{URL: "https://example.tumblr.com/a_500.jpg", Width: 500},
		},
	}
	assert.Equal(t, p.OriginalSize, p.BestSize(), "original_size is canonical regardless of alt size ordering")
}

func TestBestSizeFallsBackToAltSizes(t *testing.T) {
	p := Photo{AltSizes: []PhotoSize{{URL: "https://example.tumblr.com/a_500.jpg", Width: 500}}}
	assert.Equal(t, p.AltSizes[0], p.BestSize())

	assert.Empty(t, Photo{}.BestSize().URL)
}

func TestDecodePostKeepsRawPayload(t *testing.T) {
	raw := json.RawMessage(`{"id":7,"type":"text","timestamp":1700000000,"title":"hi"}`)
	post, err := DecodePost(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(7), post.ID)
	assert.Equal(t, []byte(raw), []byte(post.Raw))
}
