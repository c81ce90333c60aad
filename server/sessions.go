package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/johnstarich/sagelink/authorize"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const sessionCookieName = "sagelink_session"

// session is one user's authorization state. Each session owns its Broker, so concurrent users never share a window
type session struct {
	id     string
	broker *authorize.Broker
	opener *authorize.RemoteOpener
	logger *zap.Logger

	mu      sync.Mutex
	current *attemptRun
	last    *authorize.Result
	cancel  context.CancelFunc
}

// attemptRun tracks one Authorize call made on behalf of a request
type attemptRun struct {
	opened   chan struct{}
	openOnce sync.Once
	done     chan struct{}
}

func (r *attemptRun) markOpened() {
	r.openOnce.Do(func() { close(r.opened) })
}

type sessions struct {
	cache       *cache.Cache
	hub         *authorize.Hub
	callbackURL string
	// newBroker is a test seam
	newBroker func(s *session) (*authorize.Broker, error)
}

func newSessions(hub *authorize.Hub, config Config, logger *zap.Logger) *sessions {
	store := &sessions{
		cache:       cache.New(config.SessionTTL, config.SessionTTL/5+1),
		hub:         hub,
		callbackURL: config.CallbackURL,
	}
	store.newBroker = func(s *session) (*authorize.Broker, error) {
		return authorize.New(authorize.Config{
			Starter:      config.Backend,
			Opener:       authorize.OpenerFunc(s.open),
			Channel:      hub.Channel(s.id),
			Origin:       config.AppOrigin,
			PollInterval: config.PollInterval,
			Logger:       s.logger,
		})
	}
	store.cache.OnEvicted(func(id string, value interface{}) {
		s := value.(*session)
		s.close()
		hub.Remove(id)
	})
	return store
}

func sessionID(c *gin.Context) string {
	if id := c.Query("session"); id != "" {
		return id
	}
	cookie, err := c.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie
}

// Get returns the request's session, refreshing its expiration
func (s *sessions) Get(c *gin.Context) (*session, bool) {
	id := sessionID(c)
	if id == "" {
		return nil, false
	}
	value, found := s.cache.Get(id)
	if !found {
		return nil, false
	}
	s.cache.SetDefault(id, value)
	return value.(*session), true
}

// GetOrCreate returns the request's session, starting a new one and setting its cookie if needed
func (s *sessions) GetOrCreate(c *gin.Context) (*session, error) {
	if sess, found := s.Get(c); found {
		return sess, nil
	}
	logger := c.MustGet(loggerKey).(*zap.Logger)
	sess := &session{
		id:     uuid.New().String(),
		opener: &authorize.RemoteOpener{},
	}
	sess.logger = logger.With(zap.String("session", sess.id[:8]))
	broker, err := s.newBroker(sess)
	if err != nil {
		return nil, err
	}
	sess.broker = broker
	s.cache.SetDefault(sess.id, sess)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookieName, sess.id, 0, "/", "", false, true)
	return sess, nil
}

// open is the session's Opener. The remote UI opens the URL, so this only records it
func (s *session) open(ctx context.Context, url string) (authorize.Window, error) {
	window, err := s.opener.Open(ctx, url)
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()
	if run != nil {
		run.markOpened()
	}
	return window, err
}

// start begins an authorization in the background, superseding any in progress
func (s *session) start(institutionID, redirectURL string) *attemptRun {
	ctx, cancel := context.WithCancel(context.Background())
	run := &attemptRun{opened: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	s.current = run
	s.last = nil
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(run.done)
		defer cancel()
		result, err := s.broker.Authorize(ctx, institutionID, redirectURL)
		if err != nil {
			s.logger.Warn("Authorization failed", zap.Error(err))
		}
		s.mu.Lock()
		if s.current == run {
			s.last = &result
		}
		s.mu.Unlock()
	}()
	return run
}

// lastResult returns the most recent attempt's result, if it has finished
func (s *session) lastResult() *authorize.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *session) close() {
	s.broker.Cancel()
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
