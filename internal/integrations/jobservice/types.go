package jobservice

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Credentials authenticate against the job service. The JSON shape matches the
// authenticate request body and the value stored in Parameter Store.
type Credentials struct {
	TenancyName string `json:"tenancyName"`
	Username    string `json:"usernameOrEmailAddress"`
	Password    string `json:"password"`
}

type authResponse struct {
	Result  string `json:"result"`
	Success *bool  `json:"success,omitempty"`
}

type startJobsRequest struct {
	StartInfo startInfo `json:"startInfo"`
}

type startInfo struct {
	ReleaseKey     string  `json:"ReleaseKey"`
	RobotIDs       []int64 `json:"RobotIds"`
	JobsCount      int     `json:"JobsCount"`
	Strategy       string  `json:"Strategy"`
	InputArguments string  `json:"InputArguments"`
}

type startJobsResponse struct {
	Value []struct {
		ID    JobID  `json:"Id"`
		Key   string `json:"Key"`
		State string `json:"State"`
	} `json:"value"`
}

type queueItemsResponse struct {
	Value []json.RawMessage `json:"value"`
}

type queueItem struct {
	ID              int64           `json:"Id"`
	Reference       string          `json:"Reference"`
	Status          string          `json:"Status"`
	SpecificContent specificContent `json:"SpecificContent"`
}

type specificContent struct {
	OutputAPI string `json:"output_api"`
}

// JobID identifies a started job. The service returns numeric ids, but string
// ids are accepted as well.
type JobID string

func (id *JobID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = JobID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("jobservice: job id: %w", err)
	}
	*id = JobID(n.String())
	return nil
}

// Result is the output of one pipeline run. It is never persisted.
type Result struct {
	Token       string
	JobID       JobID
	RenewalDate string
}
