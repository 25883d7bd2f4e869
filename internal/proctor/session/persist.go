package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type persistOp struct {
	questionID uuid.UUID
	stored     json.RawMessage
	remove     bool
}

// answerQueue delivers answer writes one at a time in arrival order. A newer
// write for a question that has not been sent yet replaces the older one.
type answerQueue struct {
	exams   ExamAPI
	examID  uuid.UUID
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	order   []uuid.UUID
	ops     map[uuid.UUID]persistOp
	idle    chan struct{}
	closed  bool
	started bool
	wake    chan struct{}
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newAnswerQueue(exams ExamAPI, examID uuid.UUID, timeout time.Duration, log zerolog.Logger) *answerQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &answerQueue{
		exams:   exams,
		examID:  examID,
		timeout: timeout,
		log:     log,
		ops:     make(map[uuid.UUID]persistOp),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (q *answerQueue) start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.loop()
}

func (q *answerQueue) put(op persistOp) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Warn().Str("question_id", op.questionID.String()).Msg("Answer queue closed, dropping write")
		return
	}
	if _, queued := q.ops[op.questionID]; !queued {
		q.order = append(q.order, op.questionID)
	}
	q.ops[op.questionID] = op
	if q.idle == nil {
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *answerQueue) loop() {
	defer close(q.done)
	for q.ctx.Err() == nil {
		q.mu.Lock()
		if len(q.order) == 0 {
			if q.idle != nil {
				close(q.idle)
				q.idle = nil
			}
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.wake:
			case <-q.ctx.Done():
			}
			continue
		}
		id := q.order[0]
		q.order = q.order[1:]
		op := q.ops[id]
		delete(q.ops, id)
		q.mu.Unlock()

		q.send(op)
	}
}

func (q *answerQueue) send(op persistOp) {
	ctx, cancel := context.WithTimeout(q.ctx, q.timeout)
	defer cancel()

	var err error
	if op.remove {
		err = q.exams.DeleteAnswer(ctx, q.examID, op.questionID)
	} else {
		err = q.exams.SaveAnswer(ctx, q.examID, op.questionID, op.stored)
	}
	if err != nil {
		q.log.Error().Err(err).
			Str("question_id", op.questionID.String()).
			Bool("delete", op.remove).
			Msg("Failed to persist answer")
	}
}

// flush waits until every queued write has been attempted.
func (q *answerQueue) flush(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	started := q.started
	q.mu.Unlock()
	if idle == nil || !started {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains the queue, abandoning it when ctx expires.
func (q *answerQueue) close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	if !started {
		q.cancel()
		return nil
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-q.done
		return ctx.Err()
	}
}
