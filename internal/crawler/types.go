package crawler

import (
	"context"
	"errors"
	"iter"

	"github.com/JakeFAU/crawlkit/internal/fetch"
	"github.com/JakeFAU/crawlkit/internal/storage"
)

// ErrContract marks a collaborator that broke its interface. It aborts the run.
var ErrContract = errors.New("crawler contract violation")

// Task is one unit of crawl work. The engine owns it from creation until it
// retires; definitions receive copies.
type Task[P any] struct {
	ID               int
	Payload          P
	Success          bool
	RetriesRemaining int
	// Round counts completed continuation rounds, so builders can paginate.
	Round int
	// Err is the last failure, nil after a success.
	Err error
}

// TaskSource yields the payloads of one run. LoadTasks is called exactly once.
type TaskSource[P any] interface {
	LoadTasks(ctx context.Context) iter.Seq2[P, error]
}

// RequestBuilder turns a task into a request. Returning an error or a nil
// request is a contract violation.
type RequestBuilder[P any] interface {
	Request(ctx context.Context, task Task[P]) (*fetch.Request, error)
}

// ResponseParser extracts items from a successful response.
type ResponseParser[P any] interface {
	Parse(ctx context.Context, task Task[P], resp *fetch.Response) ([]storage.Item, error)
}

// Definition is everything the engine needs to crawl one kind of task.
type Definition[P any] interface {
	TaskSource[P]
	RequestBuilder[P]
	ResponseParser[P]
}

// Continuer is implemented by definitions whose tasks span several requests.
// While IsStopped reports false the task is fetched again with Round advanced.
type Continuer[P any] interface {
	IsStopped(task Task[P], resp *fetch.Response) bool
}

// Keyer is implemented by definitions whose tasks can be deduplicated and
// removed by a stable key.
type Keyer[P any] interface {
	TaskKey(payload P) string
}

// Fetcher sends requests with a shared retry budget.
type Fetcher interface {
	Do(ctx context.Context, req *fetch.Request, retries *int) (*fetch.Response, error)
}

// Monitor receives one update per completed fetch attempt.
type Monitor interface {
	AddTasks(n int)
	Update(success bool, err error)
}

type result[P any] struct {
	task     Task[P]
	url      string
	resp     *fetch.Response
	err      error
	live     *Task[P]
	resubmit bool
	last     bool
	done     bool
}
