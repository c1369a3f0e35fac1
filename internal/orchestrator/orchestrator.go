package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/promisekid/CloudArt/internal/comfy"
	"github.com/promisekid/CloudArt/internal/models"
	"github.com/promisekid/CloudArt/internal/workflow"
)

var (
	ErrJobInFlight  = errors.New("a job is already in flight")
	ErrNotConnected = errors.New("not connected to a server")
)

// ProtocolClient is the slice of the comfy client the orchestrator drives.
type ProtocolClient interface {
	QueuePrompt(doc map[string]any)
	UploadImage(path string) error
	FetchImage(filename, subfolder, kind, promptID string)
}

// Builder is the slice of the template engine the orchestrator needs.
type Builder interface {
	Build(t workflow.Type, params workflow.Params) (workflow.Document, error)
	OutputNodes(t workflow.Type) []string
	SinkNode(t workflow.Type) string
}

// HistoryStore receives one appended chat turn per resolved job.
type HistoryStore interface {
	AddMessage(msg *models.Message) (int64, error)
}

// Intent is one user generation request, consumed exactly once.
type Intent struct {
	Workflow  workflow.Type
	SessionID int64
	Prompt    string
	Seed      *int64
	Width     int
	Height    int

	// LocalImage is a client-side source image that must be uploaded
	// before submission. ServerImage is a filename already on the server
	// (the in-chat "upscale this result" path); it skips the upload stage.
	LocalImage  string
	ServerImage string
}

// PlaceholderID identifies the UI's in-progress element for one job. The
// orchestrator never renders it; it only threads the id through Updates.
type PlaceholderID int64

type stage int

const (
	stageIdle stage = iota
	stageAwaitingUpload
	stageAwaitingSubmitAck
	stageAwaitingCompletion
)

// pendingJob is the live state for the single job in flight. At most one
// exists at a time; that is the core concurrency invariant here.
type pendingJob struct {
	stage       stage
	intent      Intent
	placeholder PlaceholderID
	params      workflow.Params
	promptID    string
	accumulated string
	outputNodes map[string]bool
	sinkNode    string
}

// Orchestrator coordinates the template engine and the protocol client:
// it decides the pipeline stages per intent, owns the single in-flight
// job, and binds the asynchronously assigned prompt id back to the UI
// placeholder that is waiting on it.
type Orchestrator struct {
	log       zerolog.Logger
	client    ProtocolClient
	engine    Builder
	store     HistoryStore
	imagesDir string
	updates   chan Update

	mu        sync.Mutex
	pending   *pendingJob
	lastPH    PlaceholderID
	connected bool
}

func New(log zerolog.Logger, client ProtocolClient, engine Builder, store HistoryStore, imagesDir string) *Orchestrator {
	return &Orchestrator{
		log:       log,
		client:    client,
		engine:    engine,
		store:     store,
		imagesDir: imagesDir,
		updates:   make(chan Update, 256),
	}
}

// Updates delivers placeholder resolutions and connection transitions.
func (o *Orchestrator) Updates() <-chan Update {
	return o.updates
}

// Run pumps client events into the state machine until ctx ends or the
// event stream closes. All transitions are serialized through HandleEvent.
func (o *Orchestrator) Run(ctx context.Context, events <-chan comfy.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.HandleEvent(ev)
		}
	}
}

// Busy reports whether a job occupies the pipeline.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending != nil
}

// Generate starts the pipeline for one intent and returns the placeholder
// id the eventual resolution will reference. A second call while a job is
// in flight is rejected outright; there is no queueing.
func (o *Orchestrator) Generate(intent Intent) (PlaceholderID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pending != nil {
		return 0, ErrJobInFlight
	}
	if !o.connected {
		return 0, ErrNotConnected
	}

	outputs := make(map[string]bool)
	for _, n := range o.engine.OutputNodes(intent.Workflow) {
		outputs[n] = true
	}

	o.lastPH++
	job := &pendingJob{
		intent:      intent,
		placeholder: o.lastPH,
		params:      o.paramsFor(intent),
		outputNodes: outputs,
		sinkNode:    o.engine.SinkNode(intent.Workflow),
	}

	if intent.LocalImage != "" {
		if err := o.client.UploadImage(intent.LocalImage); err != nil {
			return 0, err
		}
		job.stage = stageAwaitingUpload
		o.pending = job
		o.log.Info().Str("workflow", string(intent.Workflow)).
			Str("image", intent.LocalImage).Msg("uploading source image")
		return job.placeholder, nil
	}

	if err := o.submit(job); err != nil {
		return 0, err
	}
	o.pending = job
	return job.placeholder, nil
}

// paramsFor translates an intent into the engine's parameter map. A seed
// is rolled here for every workflow except vision captioning, where the
// engine supplies its own default.
func (o *Orchestrator) paramsFor(intent Intent) workflow.Params {
	params := workflow.Params{}
	if intent.Prompt != "" {
		params[workflow.ParamPrompt] = workflow.Text(intent.Prompt)
	}
	if intent.Seed != nil {
		params[workflow.ParamSeed] = workflow.Int(*intent.Seed)
	} else if !intent.Workflow.ProducesText() {
		params[workflow.ParamSeed] = workflow.Int(rand.Int64())
	}
	if intent.Workflow == workflow.TextToImage && intent.Width > 0 && intent.Height > 0 {
		params[workflow.ParamWidth] = workflow.Int(int64(intent.Width))
		params[workflow.ParamHeight] = workflow.Int(int64(intent.Height))
	}
	if intent.ServerImage != "" {
		params[workflow.ParamImage] = workflow.Text(intent.ServerImage)
	}
	return params
}

// submit builds the document and queues it. Caller holds the lock.
func (o *Orchestrator) submit(job *pendingJob) error {
	doc, err := o.engine.Build(job.intent.Workflow, job.params)
	if err != nil {
		return fmt.Errorf("failed to build job graph: %w", err)
	}
	o.client.QueuePrompt(doc)
	job.stage = stageAwaitingSubmitAck
	o.log.Info().Str("workflow", string(job.intent.Workflow)).Msg("job graph submitted")
	return nil
}

// Unlock abandons the in-flight job and returns to idle. It exists for
// the stuck cases the protocol cannot recover from on its own: an upload
// that never acknowledges, or a completion lost to a dropped channel.
func (o *Orchestrator) Unlock() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return
	}
	o.log.Warn().Str("prompt_id", o.pending.promptID).Msg("job manually abandoned")
	o.emit(JobFailed{Placeholder: o.pending.placeholder, Message: "job abandoned"})
	o.pending = nil
}

// HandleEvent applies one client event to the state machine. Everything
// that does not fit the current stage and prompt id is expected noise and
// is dropped without side effects.
func (o *Orchestrator) HandleEvent(ev comfy.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev := ev.(type) {
	case comfy.Connected:
		o.connected = true
		o.emit(ConnState{Connected: true})

	case comfy.Disconnected:
		o.connected = false
		if o.pending != nil {
			// Known gap: no timeout exists, so the job stays pending
			// until Unlock. The UI keeps showing in-progress.
			o.log.Warn().Msg("push channel dropped with a job in flight")
		}
		o.emit(ConnState{Connected: false})

	case comfy.Uploaded:
		if o.pending == nil || o.pending.stage != stageAwaitingUpload {
			o.log.Debug().Str("name", ev.Name).Msg("ignoring unexpected upload ack")
			return
		}
		o.pending.params[workflow.ParamImage] = workflow.Text(ev.Name)
		if err := o.submit(o.pending); err != nil {
			o.failPending(err.Error())
		}

	case comfy.Submitted:
		if o.pending == nil || o.pending.stage != stageAwaitingSubmitAck {
			o.log.Debug().Str("prompt_id", ev.PromptID).Msg("ignoring unexpected submit ack")
			return
		}
		o.pending.promptID = ev.PromptID
		o.pending.stage = stageAwaitingCompletion

	case comfy.Executed:
		o.handleExecuted(ev)

	case comfy.StreamToken:
		o.handleStreamToken(ev.Token, ev.Finished)

	case comfy.ResultReady:
		if o.pending == nil || o.pending.stage != stageAwaitingCompletion ||
			o.pending.promptID != ev.PromptID {
			return
		}
		o.resolveImage(ev.Filename, ev.Data)

	case comfy.ClientError:
		if o.pending != nil {
			o.failPending(ev.Message)
		} else {
			o.emit(Notice{Message: ev.Message})
		}
	}
}

// handleExecuted interprets a completion notification against the current
// job: only a matching prompt id on a designated output node means the
// result is ready to fetch. The caption sink node doubles as a forced
// stream terminator.
func (o *Orchestrator) handleExecuted(ev comfy.Executed) {
	job := o.pending
	if job == nil || job.stage != stageAwaitingCompletion || job.promptID != ev.PromptID {
		return
	}

	if job.outputNodes[ev.Node] {
		if len(ev.Images) == 0 {
			o.log.Warn().Str("node", ev.Node).Msg("output node executed without images")
			return
		}
		img := ev.Images[0]
		o.client.FetchImage(img.Filename, img.Subfolder, img.Type, ev.PromptID)
		return
	}

	if job.sinkNode != "" && ev.Node == job.sinkNode {
		o.handleStreamToken("", true)
		return
	}

	o.log.Debug().Str("node", ev.Node).Msg("ignoring irrelevant node completion")
}

func (o *Orchestrator) handleStreamToken(token string, finished bool) {
	job := o.pending
	if job == nil || job.stage != stageAwaitingCompletion || !job.intent.Workflow.ProducesText() {
		return
	}

	if token != "" {
		job.accumulated += token
		o.emit(JobStream{Placeholder: job.placeholder, Text: job.accumulated})
	}
	if !finished {
		return
	}
	if job.accumulated == "" {
		// A bare finish with nothing accumulated is the sink node's
		// unlock signal, not an answer; resolving it would show an
		// empty reply.
		o.log.Debug().Msg("ignoring empty stream finish")
		return
	}
	o.resolveText(job.accumulated)
}

// resolveText completes the in-flight job with a streamed answer.
// Caller holds the lock.
func (o *Orchestrator) resolveText(text string) {
	job := o.pending
	o.persist(&models.Message{
		SessionID: job.intent.SessionID,
		Role:      models.RoleAI,
		Content:   text,
	})
	o.emit(JobText{Placeholder: job.placeholder, Text: text})
	o.pending = nil
}

// resolveImage writes the fetched artifact under the data dir and
// completes the job. Caller holds the lock.
func (o *Orchestrator) resolveImage(filename string, data []byte) {
	job := o.pending

	path, err := o.saveImage(job.promptID, filename, data)
	if err != nil {
		o.failPending(fmt.Sprintf("failed to save image: %v", err))
		return
	}

	o.persist(&models.Message{
		SessionID: job.intent.SessionID,
		Role:      models.RoleAI,
		ImagePath: path,
	})
	o.emit(JobImage{Placeholder: job.placeholder, Path: path, Filename: filename})
	o.pending = nil
}

func (o *Orchestrator) saveImage(promptID, filename string, data []byte) (string, error) {
	if err := os.MkdirAll(o.imagesDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(o.imagesDir, filename)
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(o.imagesDir, promptID+"_"+filename)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// persist appends the resolved turn to chat history. A store failure is
// logged but does not fail the job; the result already exists on disk.
func (o *Orchestrator) persist(msg *models.Message) {
	if o.store == nil {
		return
	}
	if _, err := o.store.AddMessage(msg); err != nil {
		o.log.Error().Err(err).Msg("failed to persist chat turn")
	}
}

// failPending reports the failure and unlocks. Caller holds the lock.
func (o *Orchestrator) failPending(message string) {
	o.emit(JobFailed{Placeholder: o.pending.placeholder, Message: message})
	o.pending = nil
}

func (o *Orchestrator) emit(u Update) {
	o.updates <- u
}
