package worker

import "time"

// Status 是 registration 的诊断快照。
type Status struct {
	State          State     `json:"state"`
	ActiveVersion  string    `json:"activeVersion,omitempty"`
	WaitingVersion string    `json:"waitingVersion,omitempty"`
	Installing     string    `json:"installingVersion,omitempty"`
	Controlling    bool      `json:"controlling"`
	Updates        int       `json:"updates"`
	LastCheck      time.Time `json:"lastCheck,omitzero"`
	LastError      string    `json:"lastError,omitempty"`
}

// Status 汇总各版本状态与最近一次错误。
func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{
		Controlling: r.controller != nil,
		Updates:     r.updates,
		LastCheck:   r.lastCheck,
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	if r.installing != nil {
		status.Installing = r.installing.Version()
		status.State = r.installing.State()
	}
	if r.waiting != nil {
		status.WaitingVersion = r.waiting.Version()
		if status.State == "" {
			status.State = r.waiting.State()
		}
	}
	if r.active != nil {
		status.ActiveVersion = r.active.Version()
		if status.State == "" {
			status.State = r.active.State()
		}
	}
	return status
}
