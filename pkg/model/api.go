package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	State  string // Optional status filter (jobs)

	// Caller is the requesting user. Private records of other owners are
	// hidden unless Admin is set.
	Caller string
	Admin  bool

	ProcessID  string     // jobs only
	Visibility Visibility // processes only
	Keyword    string     // processes only
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Caller identifies the user behind a request. Authentication happens
// upstream; the API only receives the resolved identity.
type Caller struct {
	User  string
	Admin bool
}

// CanModify reports whether the caller may change a record owned by owner.
// Records deployed anonymously are open to everyone.
func (c Caller) CanModify(owner string) bool {
	return c.Admin || owner == "" || c.User == owner
}

// ListOptions returns list options scoped to the caller.
func (c Caller) ListOptions() ListOptions {
	opts := DefaultListOptions()
	opts.Caller = c.User
	opts.Admin = c.Admin
	return opts
}
