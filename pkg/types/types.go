package types

// Status reports whether evaluator state survived a call. After a break
// the caller must not assume variable persistence.
type Status string

const (
	StatusContinue Status = "continue"
	StatusBreak    Status = "break"
)

// ReplyTag is the outcome tag carried on the wire.
type ReplyTag string

const (
	TagOK         ReplyTag = "ok"
	TagParseError ReplyTag = "parse_error"
	TagExit       ReplyTag = "exit"
)

// EvalRequest is one framed evaluation request on the subprocess stdin.
type EvalRequest struct {
	ID        uint64 `json:"id"`
	Code      string `json:"code"`
	TimeoutMS int64  `json:"timeoutMs,omitempty"`
	MaxMemKB  int    `json:"maxMemKb,omitempty"`
}

// EvalReply is one framed reply on the subprocess stdout. The ID must
// echo the request ID.
type EvalReply struct {
	ID        uint64   `json:"id"`
	Tag       ReplyTag `json:"tag"`
	Output    []byte   `json:"output,omitempty"`
	Value     any      `json:"value,omitempty"`
	LastError string   `json:"lastError,omitempty"`
	Status    Status   `json:"status,omitempty"`
	ExitCode  int      `json:"exitCode,omitempty"`
}

// ResultKind classifies an evaluation result.
type ResultKind string

const (
	ResultOK         ResultKind = "ok"
	ResultParseError ResultKind = "parse_error"
	ResultExit       ResultKind = "exit"
)

// Result is what evaluation callers receive. Parse errors, evaluator
// exits and timeouts are values here, not Go errors.
type Result struct {
	Kind      ResultKind
	Output    []byte
	Value     any
	LastError string
	Status    Status
	ExitCode  int
	TimedOut  bool
}

// Result converts a wire reply into the caller-facing shape.
func (r EvalReply) Result() Result {
	res := Result{
		Output:    r.Output,
		Value:     r.Value,
		LastError: r.LastError,
		Status:    r.Status,
		ExitCode:  r.ExitCode,
	}
	switch r.Tag {
	case TagParseError:
		res.Kind = ResultParseError
	case TagExit:
		res.Kind = ResultExit
	default:
		res.Kind = ResultOK
	}
	if res.Status == "" {
		res.Status = StatusContinue
	}
	return res
}
