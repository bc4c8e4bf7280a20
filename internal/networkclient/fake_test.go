package networkclient

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func TestFakeRoutesByRequestKey(t *testing.T) {
	f := NewFake()
	req := kmsg.NewPtrApiVersionsRequest()
	f.OnKey(req.Key(), func(r kmsg.Request) (kmsg.Response, error) {
		resp := kmsg.NewPtrApiVersionsResponse()
		return resp, nil
	})

	var got kmsg.Response
	f.SendAll([]UnsentRequest{{
		Req: req,
		Completion: CompletionSlot{
			OnResponse: func(resp kmsg.Response, _ int64) { got = resp },
		},
	}})
	f.Poll(0, 10)

	require.NotNil(t, got)
	require.Len(t, f.Sent(), 1)
}

func TestFakeUnregisteredKeyFails(t *testing.T) {
	f := NewFake()
	req := kmsg.NewPtrApiVersionsRequest()

	var gotErr error
	f.SendAll([]UnsentRequest{{
		Req: req,
		Completion: CompletionSlot{
			OnFailure: func(err error, _ int64) { gotErr = err },
		},
	}})
	f.Poll(0, 10)

	require.ErrorIs(t, gotErr, ErrNoHandler)
}

func TestFakeDisconnectKey(t *testing.T) {
	f := NewFake()
	req := kmsg.NewPtrApiVersionsRequest()
	f.DisconnectKey(req.Key())

	var gotErr error
	f.SendAll([]UnsentRequest{{
		Req:        req,
		Completion: CompletionSlot{OnFailure: func(err error, _ int64) { gotErr = err }},
	}})
	f.Poll(0, 10)

	require.ErrorIs(t, gotErr, ErrDisconnected)
}
