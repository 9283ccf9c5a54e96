package webhook

import (
	"github.com/mattjoyce/hotpatch/internal/scheduler"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

// Submitter is the part of the scheduler the handler uses.
type Submitter interface {
	Submit(cmd scheduler.Command) bool
}

// Rescanner builds rescan commands; filehost.Host implements it.
type Rescanner interface {
	RescanCommand(id unit.ID, paths []string) *scheduler.Call
}

// Config holds the resolved webhook settings.
type Config struct {
	// Path is the URL path the handler is mounted on.
	Path string

	// Secret is the HMAC secret for signature verification.
	Secret string

	// SignatureHeader names the header carrying the signature.
	SignatureHeader string

	// MaxBodySize is the largest accepted body in bytes.
	MaxBodySize int64
}

// BuildNotification is the request body.
type BuildNotification struct {
	Unit  unit.ID  `json:"unit"`
	Paths []string `json:"paths"`
}

// AcceptedResponse is returned with 202.
type AcceptedResponse struct {
	Command string `json:"command"`
	Unit    string `json:"unit"`
	Paths   int    `json:"paths"`
	Merged  bool   `json:"merged"`
}

// ErrorResponse is the JSON body for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultPath            = "/hooks/build"
	DefaultSignatureHeader = "X-Hotpatch-Signature"
	DefaultMaxBodySize     = 1048576 // 1 MB
	maxPaths               = 10000
)
