// Package queue implements the Redis-backed job distribution layer shared by
// the pollers, the backfill planner and the worker processes.
//
// A job is stored as two Redis writes: SET job_id -> JSON payload, then RPUSH
// of the job_id onto a named FIFO list. The payload write always precedes the
// list append so a consumer never sees an id without data. Consumers BLPOP an
// id, GET the payload and DEL it only after their own transactional work has
// committed (or after the failure has been recorded durably).
package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind tags the two job variants carried by the queue.
type Kind string

const (
	KindBlock Kind = "process_block"
	KindLog   Kind = "process_log"
)

// Queue names. Block jobs and log jobs travel on separate FIFO lists; there is
// no ordering guarantee between the two.
const (
	BlocksQueue = "blocks"
	LogsQueue   = "logs"
)

// Job payload status markers. Redriven jobs carry StatusRetrying so the
// processor knows to clear the dead-letter row after a successful commit.
const (
	StatusNew      = "new"
	StatusRetrying = "retrying"
)

// Job is the sum type decoded from a queue payload by its job_type tag.
type Job interface {
	Kind() Kind
	ID() string
	Queue() string
	// Raw returns the JSON payload the job was decoded from, or a fresh
	// marshalling for jobs constructed in-process.
	Raw() json.RawMessage
}

// BlockJobID returns the queue id for a block job.
func BlockJobID(number uint64) string {
	return fmt.Sprintf("block:%d", number)
}

// LogJobID returns the queue id for a log job.
func LogJobID(txHash string, logIndex uint64) string {
	return fmt.Sprintf("log:%s:%d", txHash, logIndex)
}

// BlockJob asks a block worker to ingest one block. BlockHash is the hash
// observed at enqueue time and may be empty for backfilled ranges; the worker
// treats the hash returned by eth_getBlockByNumber as canonical either way.
type BlockJob struct {
	JobType     Kind   `json:"job_type"`
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	Status      string `json:"status"`

	raw json.RawMessage
}

// NewBlockJob constructs a block job with status "new".
func NewBlockJob(number uint64, hash string) *BlockJob {
	return &BlockJob{
		JobType:     KindBlock,
		BlockNumber: number,
		BlockHash:   hash,
		Status:      StatusNew,
	}
}

func (j *BlockJob) Kind() Kind    { return KindBlock }
func (j *BlockJob) ID() string    { return BlockJobID(j.BlockNumber) }
func (j *BlockJob) Queue() string { return BlocksQueue }

func (j *BlockJob) Raw() json.RawMessage {
	if j.raw != nil {
		return j.raw
	}
	b, _ := json.Marshal(j)
	return b
}

// LogJob asks a log worker to ingest one event log. The numeric fields accept
// both 0x-hex strings (as delivered by eth_subscribe) and plain integers (as
// produced by the backfill planner), hence the Uint64 type.
type LogJob struct {
	JobType          Kind     `json:"job_type"`
	Address          string   `json:"address"`
	BlockNumber      Uint64   `json:"block_number"`
	BlockHash        string   `json:"block_hash"`
	BlockTimestamp   Uint64   `json:"block_timestamp"`
	Data             string   `json:"data"`
	LogIndex         Uint64   `json:"log_index"`
	Topics           []string `json:"topics"`
	TransactionHash  string   `json:"transaction_hash"`
	TransactionIndex Uint64   `json:"transaction_index"`
	Status           string   `json:"status,omitempty"`

	raw json.RawMessage
}

func (j *LogJob) Kind() Kind    { return KindLog }
func (j *LogJob) ID() string    { return LogJobID(j.TransactionHash, uint64(j.LogIndex)) }
func (j *LogJob) Queue() string { return LogsQueue }

func (j *LogJob) Raw() json.RawMessage {
	if j.raw != nil {
		return j.raw
	}
	b, _ := json.Marshal(j)
	return b
}

// Topic0 returns the event signature topic, or "" when the log carries no
// topics (anonymous events).
func (j *LogJob) Topic0() string {
	if len(j.Topics) == 0 {
		return ""
	}
	return j.Topics[0]
}

// Decode parses a queue payload into its tagged variant.
func Decode(payload []byte) (Job, error) {
	var env struct {
		JobType Kind `json:"job_type"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("invalid job payload: %w", err)
	}
	raw := json.RawMessage(bytes.Clone(payload))
	switch env.JobType {
	case KindBlock:
		job := new(BlockJob)
		if err := json.Unmarshal(payload, job); err != nil {
			return nil, fmt.Errorf("invalid block job: %w", err)
		}
		job.raw = raw
		return job, nil
	case KindLog:
		job := new(LogJob)
		if err := json.Unmarshal(payload, job); err != nil {
			return nil, fmt.Errorf("invalid log job: %w", err)
		}
		job.raw = raw
		return job, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", env.JobType)
	}
}

// Uint64 unmarshals from a JSON number, a decimal string or a 0x-prefixed hex
// string. It marshals back as a plain number.
type Uint64 uint64

func (u *Uint64) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*u = 0
		return nil
	}
	var (
		v   uint64
		err error
	)
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return fmt.Errorf("invalid uint64 value %q", s)
	}
	*u = Uint64(v)
	return nil
}

func (u Uint64) MarshalJSON() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(u), 10), nil
}
