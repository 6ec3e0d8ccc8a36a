package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "github.com/meitar/better-angels/pkg/logx"
)

var errStopped = errors.New("dispatch engine stopped")

// workerLoop receives the queue and run context from Start so a Stop
// racing the worker's first instruction cannot hand it nil fields.
func (e *Engine) workerLoop(q chan sendJob, runCtx context.Context) {
	for j := range q {
		e.execSend(runCtx, j)
	}
}

func (e *Engine) execSend(runCtx context.Context, j sendJob) {
	defer j.wg.Done()

	err := e.sendOne(runCtx, j)
	j.sum.record(SendFailure{TeamID: j.teamID, UserID: j.userID, To: j.msg.To, Channel: j.channel}, err)
	if j.after != nil {
		j.after(err)
	}
	if err != nil {
		e.log.Warn("send failed",
			logx.String("to", j.msg.To),
			logx.String("channel", string(j.channel)),
			logx.String("team", j.teamID),
			logx.String("user", j.userID),
			logx.Err(err),
		)
	} else {
		e.log.Debug("sent",
			logx.String("to", j.msg.To),
			logx.String("channel", string(j.channel)),
			logx.String("team", j.teamID),
		)
	}
}

func (e *Engine) sendOne(runCtx context.Context, j sendJob) error {
	// Snapshot mutable dependencies to avoid races with Apply().
	e.mu.Lock()
	lim := e.limiter
	timeout := e.cfg.SendTimeout
	e.mu.Unlock()

	if runCtx == nil {
		runCtx = context.Background()
	}
	if lim != nil {
		if err := lim.Wait(runCtx); err != nil {
			return err
		}
	}

	// Bound the transport call. Keep tight to avoid hanging workers.
	callCtx, cancel := context.WithTimeout(runCtx, timeout)
	defer cancel()
	return e.mailer.Send(callCtx, j.msg)
}

// enqueue submits one job and accounts for it on the wait group.
// It blocks while the queue is full; workers drain continuously.
// Registering on prodWG lets Stop wait out in-flight producers before
// it closes the queue.
func (e *Engine) enqueue(j sendJob) error {
	e.mu.Lock()
	if e.queue == nil || e.stopping {
		e.mu.Unlock()
		return errStopped
	}
	q := e.queue
	runCtx := e.runCtx
	e.prodWG.Add(1)
	e.mu.Unlock()
	defer e.prodWG.Done()

	j.wg.Add(1)
	select {
	case q <- j:
		return nil
	case <-runCtx.Done():
		j.wg.Done()
		return errStopped
	}
}

// waitAll blocks until every enqueued job of one fan-out has finished
// or the context expires. Per-send timeouts already bound each job, so
// the extra deadline is a backstop.
func (e *Engine) waitAll(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Per-send timeouts will release the workers shortly; give
		// them a moment so the summary is as complete as possible.
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}
