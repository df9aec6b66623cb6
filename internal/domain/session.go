// Package domain defines the data model shared by the state store, the
// bisection driver, the phase engine, and the session loop: sessions,
// hosts, iterations, per-host results, build logs, and run metadata.
package domain

import "time"

// SessionStatus is the lifecycle state of a bisection session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionHalted    SessionStatus = "halted"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed" // safety cap, stuck detector, inverted range
)

// Verdict is the outcome a host or an aggregated iteration can reach.
type Verdict string

const (
	VerdictGood    Verdict = "good"
	VerdictBad     Verdict = "bad"
	VerdictSkip    Verdict = "skip"
	VerdictUnknown Verdict = ""
)

// Session is one bisection run between a known-good and a known-bad commit.
// Exactly one Session may hold SessionRunning at a time; the state store
// enforces this with a transactional get-or-create.
type Session struct {
	ID           string        `json:"id"`
	GoodCommit   string        `json:"good_commit"`
	BadCommit    string        `json:"bad_commit"`
	Status       SessionStatus `json:"status"`
	ResultCommit string        `json:"result_commit,omitempty"`
	Config       []byte        `json:"config"`       // the resolved config document, verbatim, for audit
	StateBlob    []byte        `json:"state_blob"`    // opaque resumable state; the store seeds it as "{}" and the session loop does not write to it
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// Host is one bare-metal (or lab-managed) machine participating in the
// bisection. PowerKind selects the Power Controller variant bound to it.
type Host struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Address         string    `json:"address"`
	SSHUser         string    `json:"ssh_user"`
	SSHKeyPath      string    `json:"ssh_key_path,omitempty"`
	Designated      bool      `json:"designated"` // the single host that runs `git bisect`
	KernelPath      string    `json:"kernel_path"`             // kernel source tree on the host
	LibPath         string    `json:"lib_path"`                // shell-function library on the host
	TestScript      string    `json:"test_script,omitempty"`   // test script path on the host
	KernelConfigDst string    `json:"kernel_config_dst,omitempty"` // where kernel_config.config_file lands on the host
	PowerKind       string    `json:"power_kind"` // "ipmi", "beaker", "none"
	PowerAddress    string    `json:"power_address,omitempty"`
	PowerUser       string    `json:"power_user,omitempty"`
	PowerSecret     string    `json:"power_secret,omitempty"` // may be a $SECRET: reference
	CreatedAt       time.Time `json:"created_at"`
}

// Iteration is one candidate commit tested across all hosts.
type Iteration struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Num           int        `json:"num"`
	CommitSHA     string     `json:"commit_sha"`
	CommitSubject string     `json:"commit_subject,omitempty"`
	FinalVerdict  Verdict    `json:"final_verdict"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// IterationResult is one host's outcome within an iteration, covering the
// build/boot/test phases and the per-host verdict fed into aggregation.
type IterationResult struct {
	ID              string    `json:"id"`
	IterationID     string    `json:"iteration_id"`
	HostID          string    `json:"host_id"`
	BuildOK         bool      `json:"build_ok"`
	BootOK          bool      `json:"boot_ok"`
	KernelVersion   string    `json:"kernel_version,omitempty"`
	TestOK          bool      `json:"test_ok"`
	Verdict         Verdict   `json:"verdict"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// LogKind distinguishes the four streamed-log channels a phase can produce.
type LogKind string

const (
	LogKindBuild   LogKind = "build"
	LogKindBoot    LogKind = "boot"
	LogKindTest    LogKind = "test"
	LogKindConsole LogKind = "console"
)

// BuildLog is a streamed, compressed log blob owned by one iteration, tied
// to one host. Content is stored as an opaque compressed blob; appends
// decompress, concatenate, and recompress, so callers never need the codec
// details. ExitCode is nil while streaming and set once at Finalize.
type BuildLog struct {
	ID          string    `json:"id"`
	IterationID string    `json:"iteration_id"`
	HostID      string    `json:"host_id"`
	Kind        LogKind   `json:"kind"`
	Compression string    `json:"compression"` // "gzip"
	Content     []byte    `json:"-"`
	Size        int64     `json:"size"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Finalized   bool      `json:"finalized"`
	CreatedAt   time.Time `json:"created_at"`
}

// MetadataKind is a free-form collection tag (spec: "collection kind
// (free-form tag)"); these constants name the kinds the orchestrator
// itself collects, but StoreMetadata/StoreFileMetadata accept any string.
type MetadataKind string

const (
	MetadataConsole      MetadataKind = "console"       // post-reboot dmesg snapshot
	MetadataBaseline     MetadataKind = "baseline"       // one-shot, session-level collection before iteration 1
	MetadataIteration    MetadataKind = "per_iteration"  // per-host collection repeated every iteration
	MetadataKernelConfig MetadataKind = "kernel_config"  // the file-shaped kernel .config pushed to every host
)

// Metadata is a non-fatal sidecar record. It is owned by a Session; the
// iteration-id and host-id are both optional, since a baseline collection
// runs before any iteration exists and some collectors are host-agnostic.
type Metadata struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	IterationID string       `json:"iteration_id,omitempty"`
	HostID      string       `json:"host_id,omitempty"`
	Kind        MetadataKind `json:"kind"`
	Payload     []byte       `json:"payload"`
	RecordedAt  time.Time    `json:"recorded_at"`
}
