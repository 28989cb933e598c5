package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/lexiqai/session-recorder/internal/config"
)

const deepgramProvider = "deepgram"

// DeepgramClient implements RemoteTranscriber using Deepgram's
// prerecorded REST API, one request per segment
type DeepgramClient struct {
	rest    *api.Client
	options *interfaces.PreRecordedTranscriptionOptions
}

// NewDeepgramClient creates a Deepgram prerecorded client
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	c := listenClient.NewREST(cfg.DeepgramAPIKey, &interfaces.ClientOptions{})

	return &DeepgramClient{
		rest: api.New(c),
		options: &interfaces.PreRecordedTranscriptionOptions{
			Model:       cfg.DeepgramModel,
			Language:    cfg.DeepgramLanguage,
			Punctuate:   true,
			SmartFormat: true,
		},
	}
}

// Name identifies the provider
func (d *DeepgramClient) Name() string {
	return deepgramProvider
}

// TranscribeWAV uploads the WAV file and returns the best alternative of
// the first channel
func (d *DeepgramClient) TranscribeWAV(ctx context.Context, wav []byte) (string, error) {
	res, err := d.rest.FromStream(ctx, bytes.NewReader(wav), d.options)
	if err != nil {
		return "", &RemoteTranscriptionError{Provider: deepgramProvider, Err: err}
	}

	if res == nil || res.Results == nil || len(res.Results.Channels) == 0 {
		return "", &RemoteTranscriptionError{Provider: deepgramProvider, Err: errors.New("response has no channels")}
	}
	channel := res.Results.Channels[0]
	if len(channel.Alternatives) == 0 {
		return "", &RemoteTranscriptionError{Provider: deepgramProvider, Err: fmt.Errorf("channel has no alternatives")}
	}

	return strings.TrimSpace(channel.Alternatives[0].Transcript), nil
}
