package lumencache

import (
	"sync"
	"sync/atomic"
)

// correlation decides whether an inbound response answers a pending command.
type correlation struct {
	match func(cmd Command, resp Response) bool

	// sceneList marks exchanges answered by a run of Scene frames that
	// ends with SceneListEnd.
	sceneList bool
}

// correlations is keyed by every CommandKind; a kind missing here would
// leave its callers to time out.
var correlations = map[CommandKind]correlation{
	KindSetValue:        {match: valueFromTarget},
	KindGetValue:        {match: valueFromTarget},
	KindSetScene:        {match: sceneFromTarget},
	KindClearScene:      {match: sceneFromTarget},
	KindClearScenes:     {match: sceneListFromTarget, sceneList: true},
	KindGetScenes:       {match: sceneListFromTarget, sceneList: true},
	KindActivateScene:   {match: anyValue},
	KindDeactivateScene: {match: anyValue},
	KindGetConfig:       {match: configFromTarget},
	KindAssignID:        {match: configFromTarget},
	KindHail:            {match: anyConfig},
}

func valueFromTarget(cmd Command, resp Response) bool {
	v, ok := resp.(Value)
	return ok && v.Address == cmd.Target()
}

// anyValue accepts the generic acknowledgement modules echo after a
// broadcast scene activation.
func anyValue(_ Command, resp Response) bool {
	_, ok := resp.(Value)
	return ok
}

// sceneIndexer is implemented by commands that address a single scene.
type sceneIndexer interface {
	sceneIndex() uint8
}

func (c SetScene) sceneIndex() uint8   { return c.Scene }
func (c ClearScene) sceneIndex() uint8 { return c.Scene }

func sceneFromTarget(cmd Command, resp Response) bool {
	s, ok := resp.(Scene)
	if !ok || s.Address != cmd.Target() {
		return false
	}
	idx, ok := cmd.(sceneIndexer)
	return ok && s.Scene == idx.sceneIndex()
}

func sceneListFromTarget(cmd Command, resp Response) bool {
	s, ok := resp.(Scene)
	return ok && s.Address == cmd.Target()
}

func configFromTarget(cmd Command, resp Response) bool {
	c, ok := resp.(Config)
	return ok && c.Address == cmd.Target()
}

// anyConfig accepts the self-announcement of whichever unassigned module
// answered the hail.
func anyConfig(_ Command, resp Response) bool {
	_, ok := resp.(Config)
	return ok
}

// ResponseMatcher holds the single pending request of a controller and
// resolves it from inbound responses.
//
// Responses that do not answer the pending request are ignored, so
// cross-talk from other modules cannot disturb an outstanding wait.
type ResponseMatcher struct {
	logger Logger

	mu      sync.Mutex
	pending *request
	scenes  []Scene

	matched   atomic.Uint64
	unmatched atomic.Uint64
	dropped   atomic.Uint64
}

// NewResponseMatcher creates an idle matcher.
func NewResponseMatcher(logger Logger) *ResponseMatcher {
	return &ResponseMatcher{logger: loggerOrNop(logger)}
}

// Register makes req the pending request and returns the signal closed
// when it resolves. A request that is still pending is replaced and
// resolved as timed out.
func (m *ResponseMatcher) Register(req *request) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev := m.pending; prev != nil {
		m.logger.Error("overlapping bus request, replacing pending request",
			"pending", prev.cmd.Kind().String(),
			"pending_address", prev.cmd.Target(),
			"new", req.cmd.Kind().String(),
			"new_address", req.cmd.Target(),
		)
		prev.timeout()
	}

	m.pending = req
	m.scenes = nil
	return req.done
}

// HandleResponse offers resp to the pending request. It reports whether
// resp was consumed by it, including intermediate frames of a scene listing.
func (m *ResponseMatcher) HandleResponse(resp Response) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := m.pending
	if req == nil {
		m.unmatched.Add(1)
		m.logger.Debug("unsolicited response ignored", "source", resp.Source())
		return false
	}

	corr, ok := correlations[req.cmd.Kind()]
	if !ok || !corr.match(req.cmd, resp) {
		m.unmatched.Add(1)
		m.logger.Debug("response does not match pending request",
			"pending", req.cmd.Kind().String(),
			"target", req.cmd.Target(),
			"source", resp.Source(),
		)
		return false
	}

	var scenes []Scene
	if corr.sceneList {
		scene := resp.(Scene)
		switch scene.Scene {
		case SceneListStart:
			m.scenes = []Scene{scene}
			return true
		case SceneListEnd:
			scenes = m.scenes
			if scenes == nil {
				scenes = []Scene{}
			}
			m.scenes = nil
		default:
			m.scenes = append(m.scenes, scene)
			return true
		}
	}

	m.pending = nil
	m.matched.Add(1)
	if req.abandoned() {
		m.dropped.Add(1)
		m.logger.Debug("caller stopped waiting, result dropped",
			"command", req.cmd.Kind().String(),
			"address", req.cmd.Target(),
		)
	}
	req.complete(resp, scenes)
	return true
}

// Expire resolves req as timed out if it is still the pending request.
// It returns false when req was already resolved by a response.
func (m *ResponseMatcher) Expire(req *request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != req {
		return false
	}
	m.pending = nil
	m.scenes = nil
	return req.timeout()
}

// Pending reports the kind and target of the outstanding request, if any.
func (m *ResponseMatcher) Pending() (CommandKind, uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return 0, 0, false
	}
	return m.pending.cmd.Kind(), m.pending.cmd.Target(), true
}
