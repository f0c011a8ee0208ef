// Package voice implements the capture→upload→attach pipeline for audio
// explanations. The pipeline never inspects audio content; it moves opaque
// chunks from a capture device to blob storage and attaches the resulting URL
// to a highlight.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mwoyoungo/pagely/internal/store"
	"github.com/Mwoyoungo/pagely/internal/util"
)

// Pipeline states. Error is reachable from any transition.
type State string

const (
	StateIdle                State = "idle"
	StatePermissionRequested State = "permission-requested"
	StateRecording           State = "recording"
	StateStopped             State = "stopped"
	StateUploading           State = "uploading"
	StateAttached            State = "attached"
	StateError               State = "error"
)

// Permission denial reasons.
const (
	ReasonDenied      = "denied"
	ReasonNoDevice    = "no-device"
	ReasonUnsupported = "unsupported"
)

// PermissionError categorizes a capture-access failure so the caller can show
// reason-specific guidance instead of a generic failure.
type PermissionError struct {
	Reason string
}

func (e *PermissionError) Error() string {
	return "capture access " + e.Reason
}

// CaptureDevice abstracts the audio source. Chunks is closed by Stop or Close;
// Level reports the current input level in [0,1] for UI feedback.
type CaptureDevice interface {
	RequestAccess(ctx context.Context) error
	Start() error
	Chunks() <-chan []byte
	Level() float64
	Stop() error
	Close() error
}

// Uploader streams an assembled clip to blob storage and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, clipID string, clip []byte, onProgress func(float64)) (string, error)
}

// AttachFunc publishes an explanation onto a highlight.
type AttachFunc func(ctx context.Context, docID, highlightID string, explanation store.VoiceExplanation) error

// NotifyFunc fans a successful attachment out to the highlight's creator.
type NotifyFunc func(ctx context.Context, docID, highlightID string, helper store.User, recipientID string) error

// Clip is the assembled recording held between stop and a successful upload.
type Clip struct {
	Data     []byte
	Duration int
}

const (
	levelPollInterval = 200 * time.Millisecond
	defaultMaxRecord  = 2 * time.Minute
)

// Pipeline drives one recording end to end. The attach and notify functions
// are injected so the pipeline has no knowledge of the sync channel or the
// notification store beyond these two calls.
type Pipeline struct {
	device CaptureDevice
	upload Uploader
	attach AttachFunc
	notify NotifyFunc
	user   store.User
	log    zerolog.Logger

	maxDuration time.Duration

	mu        sync.Mutex
	state     State
	lastErr   error
	chunks    [][]byte
	clip      *Clip
	duration  int
	level     float64
	capturing bool

	collectWG  sync.WaitGroup
	stopTimers func()
}

func NewPipeline(device CaptureDevice, upload Uploader, attach AttachFunc, notify NotifyFunc, user store.User, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		device:      device,
		upload:      upload,
		attach:      attach,
		notify:      notify,
		user:        user,
		log:         log,
		maxDuration: defaultMaxRecord,
		state:       StateIdle,
		stopTimers:  func() {},
	}
}

// State returns the current pipeline state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the error that moved the pipeline into the error state, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Level reports the most recent sampled input level.
func (p *Pipeline) Level() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Duration reports elapsed recording seconds.
func (p *Pipeline) Duration() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

// RequestPermission asks the device for capture access. A denial moves the
// pipeline to the error state with a categorized reason. On grant, autoStart
// begins recording immediately; otherwise the pipeline waits in idle for an
// explicit StartCapture.
func (p *Pipeline) RequestPermission(ctx context.Context, autoStart bool) error {
	p.mu.Lock()
	if p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("cannot request permission in state %s", state)
	}
	p.state = StatePermissionRequested
	p.mu.Unlock()

	if err := p.device.RequestAccess(ctx); err != nil {
		var perm *PermissionError
		if !errors.As(err, &perm) {
			err = fmt.Errorf("capture access: %w", err)
		}
		p.fail(err)
		return err
	}

	p.mu.Lock()
	p.state = StateIdle
	p.mu.Unlock()

	if autoStart {
		return p.StartCapture()
	}
	return nil
}

// StartCapture begins recording: a collector goroutine drains device chunks,
// and a ticker goroutine samples the input level, counts seconds, and
// auto-stops at the duration cap.
func (p *Pipeline) StartCapture() error {
	p.mu.Lock()
	if p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("cannot start capture in state %s", state)
	}
	p.state = StateRecording
	p.chunks = nil
	p.clip = nil
	p.duration = 0
	p.level = 0
	p.mu.Unlock()

	if err := p.device.Start(); err != nil {
		err = fmt.Errorf("start capture: %w", err)
		p.fail(err)
		return err
	}
	p.mu.Lock()
	p.capturing = true
	p.mu.Unlock()

	p.collectWG.Add(1)
	go func() {
		defer p.collectWG.Done()
		for chunk := range p.device.Chunks() {
			p.mu.Lock()
			p.chunks = append(p.chunks, chunk)
			p.mu.Unlock()
		}
	}()

	done := make(chan struct{})
	var once sync.Once
	p.mu.Lock()
	p.stopTimers = func() { once.Do(func() { close(done) }) }
	p.mu.Unlock()

	go func() {
		levelTicker := time.NewTicker(levelPollInterval)
		defer levelTicker.Stop()
		secondTicker := time.NewTicker(time.Second)
		defer secondTicker.Stop()
		capTimer := time.NewTimer(p.maxDuration)
		defer capTimer.Stop()
		for {
			select {
			case <-done:
				return
			case <-levelTicker.C:
				level := p.device.Level()
				p.mu.Lock()
				p.level = level
				p.mu.Unlock()
			case <-secondTicker.C:
				p.mu.Lock()
				p.duration++
				p.mu.Unlock()
			case <-capTimer.C:
				p.log.Info().Dur("cap", p.maxDuration).Msg("recording hit duration cap, auto-stopping")
				if err := p.StopCapture(); err != nil {
					p.log.Warn().Err(err).Msg("auto-stop failed")
				}
				return
			}
		}
	}()
	return nil
}

// StopCapture ends the recording and assembles the collected chunks into one
// clip. Safe against the auto-stop racing a manual stop: the loser sees the
// stopped state and returns an error without touching the clip.
func (p *Pipeline) StopCapture() error {
	p.mu.Lock()
	if p.state != StateRecording {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("cannot stop capture in state %s", state)
	}
	p.state = StateStopped
	p.capturing = false
	stopTimers := p.stopTimers
	p.mu.Unlock()

	stopTimers()
	if err := p.device.Stop(); err != nil {
		err = fmt.Errorf("stop capture: %w", err)
		p.fail(err)
		return err
	}
	p.collectWG.Wait()

	p.mu.Lock()
	total := 0
	for _, chunk := range p.chunks {
		total += len(chunk)
	}
	data := make([]byte, 0, total)
	for _, chunk := range p.chunks {
		data = append(data, chunk...)
	}
	p.chunks = nil
	p.clip = &Clip{Data: data, Duration: p.duration}
	p.mu.Unlock()
	return nil
}

// Clip returns the assembled recording, or nil before StopCapture.
func (p *Pipeline) Clip() *Clip {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clip
}

// Retry discards the current clip and returns to idle for a fresh take.
func (p *Pipeline) Retry() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateStopped && p.state != StateError {
		return fmt.Errorf("cannot retry in state %s", p.state)
	}
	p.clip = nil
	p.duration = 0
	p.level = 0
	p.lastErr = nil
	p.state = StateIdle
	return nil
}

// Upload streams the clip to blob storage, attaches the resulting explanation
// to the highlight, and fans the notification out to the highlight's creator.
// Upload or attach failure returns the pipeline to stopped with the clip kept,
// so the user can retry without re-recording. Notification failure is logged
// and swallowed: the explanation is already attached.
func (p *Pipeline) Upload(ctx context.Context, docID, highlightID, recipientID, transcript string, onProgress func(float64)) (store.VoiceExplanation, error) {
	p.mu.Lock()
	if p.state != StateStopped || p.clip == nil {
		state := p.state
		p.mu.Unlock()
		return store.VoiceExplanation{}, fmt.Errorf("no clip to upload in state %s", state)
	}
	p.state = StateUploading
	clip := p.clip
	p.mu.Unlock()

	clipID := util.NewID("voice")
	url, err := p.upload.Upload(ctx, clipID, clip.Data, onProgress)
	if err != nil {
		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
		return store.VoiceExplanation{}, fmt.Errorf("upload clip: %w", err)
	}

	explanation := store.VoiceExplanation{
		ID:             clipID,
		AudioURL:       url,
		Duration:       clip.Duration,
		FileSize:       int64(len(clip.Data)),
		RecordedBy:     p.user.ID,
		RecordedByName: p.user.Name(),
		RecordedAt:     time.Now().UTC(),
		Transcript:     transcript,
	}
	if err := p.attach(ctx, docID, highlightID, explanation); err != nil {
		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
		return store.VoiceExplanation{}, fmt.Errorf("attach explanation: %w", err)
	}

	if p.notify != nil {
		if err := p.notify(ctx, docID, highlightID, p.user, recipientID); err != nil {
			p.log.Warn().Err(err).Str("highlight", highlightID).Msg("notification fanout failed")
		}
	}

	p.mu.Lock()
	p.clip = nil
	p.state = StateAttached
	p.mu.Unlock()
	return explanation, nil
}

// Close tears the pipeline down: timers stopped, device released. A lingering
// microphone handle is a bug, so Close runs the full teardown regardless of
// state.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	stopTimers := p.stopTimers
	p.mu.Unlock()
	stopTimers()
	err := p.device.Close()
	p.collectWG.Wait()
	return err
}

// fail moves the pipeline into the error state and releases capture resources.
// The device is stopped only when a capture actually started; a permission
// denial or a failed start has nothing to stop.
func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	p.state = StateError
	p.lastErr = err
	stopTimers := p.stopTimers
	capturing := p.capturing
	p.capturing = false
	p.mu.Unlock()
	stopTimers()
	if !capturing {
		return
	}
	if stopErr := p.device.Stop(); stopErr != nil {
		p.log.Warn().Err(stopErr).Msg("device stop during teardown failed")
	}
}
