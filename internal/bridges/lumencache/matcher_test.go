package lumencache

import (
	"context"
	"reflect"
	"testing"
)

func TestCorrelationsCoverEveryKind(t *testing.T) {
	for kind := range commandKindNames {
		if _, ok := correlations[kind]; !ok {
			t.Errorf("no correlation for %s", kind)
		}
	}
}

// TestHardwareEchoCorrelates decodes the frame hardware sends back for each
// command and checks it resolves that command.
func TestHardwareEchoCorrelates(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		echo string
	}{
		{"set value", SetValue{Address: 12, Value: 200}, "(12,200)"},
		{"get value", GetValue{Address: 12}, "(12,37)"},
		{"set scene", SetScene{Address: 12, Scene: 3, Ramp: 5, Level: 100}, "{12,3,100,5}"},
		{"clear scene", ClearScene{Address: 12, Scene: 3}, "{12,3,-1,-1}"},
		{"activate scene", ActivateScene{Address: 12}, "(40,1)"},
		{"deactivate scene", DeactivateScene{Address: 12}, "(41,0)"},
		{"get config", GetConfig{Address: 12}, "{12,7,3,1.0,SN1,6,1,2,30,220,255,0,1,0,0}"},
		{"assign id", AssignID{Address: 12, SerialNumber: "SN1"}, "{12,7,3,1.0,SN1,6,1,2,30,220,255,0,1,0,0}"},
		{"hail", Hail{}, "{0,7,3,1.0,SN1,6,1,2,30,220,255,0,1,0,0}"},
		{"get scenes", GetScenes{Address: 12}, "{12,64,0,0}"},
		{"clear scenes", ClearScenes{Address: 12}, "{12,64,0,0}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _, err := Decode([]byte(tt.echo))
			if err != nil || resp == nil {
				t.Fatalf("Decode(%q) = %v, %v", tt.echo, resp, err)
			}

			m := NewResponseMatcher(nil)
			req, _ := newRequest(context.Background(), tt.cmd, func(Response, []Scene) struct{} { return struct{}{} })
			done := m.Register(req)

			if !m.HandleResponse(resp) {
				t.Fatalf("echo %q did not match %T", tt.echo, tt.cmd)
			}
			select {
			case <-done:
			default:
				t.Errorf("request not completed by %q", tt.echo)
			}
		})
	}
}

func TestMatcherIgnoresNonMatching(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		resp Response
	}{
		{"value from other address", GetValue{Address: 12}, Value{Address: 13, Value: 1}},
		{"scene for get value", GetValue{Address: 12}, Scene{Address: 12, Scene: 1}},
		{"other scene index", SetScene{Address: 12, Scene: 3}, Scene{Address: 12, Scene: 4}},
		{"config from other address", GetConfig{Address: 12}, testConfig(14, "x")},
		{"value for hail", Hail{}, Value{Address: 0, Value: 0}},
		{"scene listing from other address", GetScenes{Address: 12}, Scene{Address: 13, Scene: 64}},
		{"serial number", GetConfig{Address: 12}, SerialNumber{Address: 12, SerialNumber: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewResponseMatcher(nil)
			req, _ := newRequest(context.Background(), tt.cmd, func(Response, []Scene) struct{} { return struct{}{} })
			done := m.Register(req)

			if m.HandleResponse(tt.resp) {
				t.Error("HandleResponse() matched, want ignored")
			}
			select {
			case <-done:
				t.Error("request completed by non-matching response")
			default:
			}
			if _, _, ok := m.Pending(); !ok {
				t.Error("pending slot cleared by non-matching response")
			}
		})
	}
}

func TestMatcherUnsolicited(t *testing.T) {
	m := NewResponseMatcher(nil)
	if m.HandleResponse(Value{Address: 1, Value: 2}) {
		t.Error("response matched with nothing pending")
	}
	if got := m.unmatched.Load(); got != 1 {
		t.Errorf("unmatched = %d, want 1", got)
	}
}

func TestMatcherValueResolution(t *testing.T) {
	m := NewResponseMatcher(nil)
	req, ch := newRequest(context.Background(), GetValue{Address: 12}, valuePayload)
	m.Register(req)

	m.HandleResponse(Value{Address: 12, Value: 99})

	r := <-ch
	if r.TimedOut || r.Response != (Value{Address: 12, Value: 99}) {
		t.Errorf("result = %+v", r)
	}
	if _, _, ok := m.Pending(); ok {
		t.Error("pending slot not cleared after match")
	}
}

func TestMatcherSceneAggregation(t *testing.T) {
	m := NewResponseMatcher(nil)
	req, ch := newRequest(context.Background(), GetScenes{Address: 12}, sceneListPayload)
	done := m.Register(req)

	frames := []Scene{
		{Address: 12, Scene: 1, Level: 255, Duration: 10},
		{Address: 12, Scene: 5, Level: 64, Duration: 0},
	}
	for _, f := range frames {
		if !m.HandleResponse(f) {
			t.Fatalf("frame %+v not consumed", f)
		}
		select {
		case <-done:
			t.Fatalf("completed early at scene %d", f.Scene)
		default:
		}
	}
	m.HandleResponse(Scene{Address: 12, Scene: 64})

	r := <-ch
	if r.TimedOut {
		t.Fatal("listing timed out")
	}
	if !reflect.DeepEqual(r.Response, frames) {
		t.Errorf("scenes = %+v, want %+v", r.Response, frames)
	}
	if m.scenes != nil {
		t.Error("accumulator not drained")
	}
}

func TestMatcherSceneListRestartsOnFirstIndex(t *testing.T) {
	m := NewResponseMatcher(nil)
	req, ch := newRequest(context.Background(), ClearScenes{Address: 12}, sceneListPayload)
	m.Register(req)

	m.HandleResponse(Scene{Address: 12, Scene: 7})
	m.HandleResponse(Scene{Address: 12, Scene: 1, Level: 1})
	m.HandleResponse(Scene{Address: 12, Scene: 2, Level: 2})
	m.HandleResponse(Scene{Address: 12, Scene: 64})

	r := <-ch
	want := []Scene{{Address: 12, Scene: 1, Level: 1}, {Address: 12, Scene: 2, Level: 2}}
	if !reflect.DeepEqual(r.Response, want) {
		t.Errorf("scenes = %+v, want %+v", r.Response, want)
	}
}

func TestMatcherEmptySceneList(t *testing.T) {
	m := NewResponseMatcher(nil)
	req, ch := newRequest(context.Background(), GetScenes{Address: 12}, sceneListPayload)
	m.Register(req)

	m.HandleResponse(Scene{Address: 12, Scene: 64})

	r := <-ch
	if r.Response == nil || len(r.Response) != 0 {
		t.Errorf("scenes = %#v, want empty non-nil list", r.Response)
	}
}

func TestMatcherExpire(t *testing.T) {
	m := NewResponseMatcher(nil)
	req, ch := newRequest(context.Background(), GetValue{Address: 12}, valuePayload)
	m.Register(req)

	if !m.Expire(req) {
		t.Fatal("Expire() = false for pending request")
	}
	if r := <-ch; !r.TimedOut {
		t.Errorf("result = %+v, want timed out", r)
	}
	if m.Expire(req) {
		t.Error("second Expire() = true")
	}

	// A late reply after the timeout is ignored.
	if m.HandleResponse(Value{Address: 12, Value: 1}) {
		t.Error("late reply matched an expired request")
	}
}

func TestMatcherExpireAfterMatch(t *testing.T) {
	m := NewResponseMatcher(nil)
	req, ch := newRequest(context.Background(), GetValue{Address: 12}, valuePayload)
	m.Register(req)
	m.HandleResponse(Value{Address: 12, Value: 1})

	if m.Expire(req) {
		t.Error("Expire() = true after match")
	}
	if r := <-ch; r.TimedOut {
		t.Error("matched request reported timeout")
	}
}

func TestMatcherOverlappingRegister(t *testing.T) {
	logger := &recordingLogger{}
	m := NewResponseMatcher(logger)

	first, firstCh := newRequest(context.Background(), GetValue{Address: 12}, valuePayload)
	second, secondCh := newRequest(context.Background(), GetValue{Address: 13}, valuePayload)
	m.Register(first)
	m.Register(second)

	if logger.count("ERROR") != 1 {
		t.Errorf("error records = %d, want 1", logger.count("ERROR"))
	}
	if r := <-firstCh; !r.TimedOut {
		t.Error("replaced request not resolved as timed out")
	}

	m.HandleResponse(Value{Address: 13, Value: 5})
	if r := <-secondCh; r.Response.Value != 5 {
		t.Errorf("second result = %+v", r)
	}
}

func TestMatcherAbandonedCaller(t *testing.T) {
	m := NewResponseMatcher(nil)
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := newRequest(ctx, GetValue{Address: 12}, valuePayload)
	m.Register(req)
	cancel()

	if !m.HandleResponse(Value{Address: 12, Value: 1}) {
		t.Fatal("response not matched")
	}
	if got := m.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}
