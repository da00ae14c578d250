package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWebhook_SubscribedTo(t *testing.T) {
	hook := &Webhook{Events: []EventType{EventStatusChange, EventCompletion}}

	assert.True(t, hook.SubscribedTo(EventStatusChange))
	assert.True(t, hook.SubscribedTo(EventCompletion))
	assert.False(t, hook.SubscribedTo(EventProgressUpdate))
}

func TestCreateWebhookRequest_Validate(t *testing.T) {
	valid := func() CreateWebhookRequest {
		return CreateWebhookRequest{
			URL:    "https://hooks.example.com/jobs",
			Events: []EventType{EventStatusChange},
		}
	}

	t.Run("valid request", func(t *testing.T) {
		req := valid()
		assert.NoError(t, req.Validate())
	})

	t.Run("http scheme accepted", func(t *testing.T) {
		req := valid()
		req.URL = "http://internal.example/hook"
		assert.NoError(t, req.Validate())
	})

	t.Run("subtype events accepted", func(t *testing.T) {
		req := valid()
		req.Events = []EventType{EventCompletion, EventFailure}
		assert.NoError(t, req.Validate())
	})

	t.Run("missing url", func(t *testing.T) {
		req := valid()
		req.URL = ""
		assert.Error(t, req.Validate())
	})

	t.Run("url too long", func(t *testing.T) {
		req := valid()
		req.URL = "https://example.com/" + strings.Repeat("x", 1024)
		assert.Error(t, req.Validate())
	})

	t.Run("non http scheme", func(t *testing.T) {
		req := valid()
		req.URL = "ftp://example.com/hook"
		assert.Error(t, req.Validate())
	})

	t.Run("missing host", func(t *testing.T) {
		req := valid()
		req.URL = "https:///hook"
		assert.Error(t, req.Validate())
	})

	t.Run("no events", func(t *testing.T) {
		req := valid()
		req.Events = nil
		assert.Error(t, req.Validate())
	})

	t.Run("unknown event", func(t *testing.T) {
		req := valid()
		req.Events = []EventType{"job_started"}
		assert.Error(t, req.Validate())
	})

	t.Run("empty header name", func(t *testing.T) {
		req := valid()
		req.Headers = map[string]string{" ": "v"}
		assert.Error(t, req.Validate())
	})
}

func TestUpdateWebhookRequest_Validate(t *testing.T) {
	t.Run("empty patch rejected", func(t *testing.T) {
		req := UpdateWebhookRequest{}
		assert.Error(t, req.Validate())
	})

	t.Run("deactivate only", func(t *testing.T) {
		active := false
		req := UpdateWebhookRequest{IsActive: &active}
		assert.NoError(t, req.Validate())
	})

	t.Run("replacement url validated", func(t *testing.T) {
		bad := "not a url"
		req := UpdateWebhookRequest{URL: &bad}
		assert.Error(t, req.Validate())
	})
}

func TestEventType_Valid(t *testing.T) {
	for _, e := range []EventType{EventStatusChange, EventProgressUpdate, EventCompletion, EventFailure} {
		assert.True(t, e.Valid(), string(e))
	}
	assert.False(t, EventType("job_started").Valid())
}
