package dto

import "encoding/json"

type ListProductsRequest struct {
	Dealer   string `form:"dealer"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListProductsResponse struct {
	Products   []ProductDTO `json:"products"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type ProductDTO struct {
	Seq    int             `json:"seq"`
	Dealer string          `json:"dealer"`
	Data   json.RawMessage `json:"data"`
}

type RunDTO struct {
	RunID         string          `json:"run_id"`
	Status        string          `json:"status"`
	Input         json.RawMessage `json:"input"`
	WorkerID      string          `json:"worker_id,omitempty"`
	TotalRecords  int             `json:"total_records"`
	DealerCount   int             `json:"dealer_count"`
	DealerResults json.RawMessage `json:"dealer_results,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
	StartedAt     string          `json:"started_at,omitempty"`
	CompletedAt   string          `json:"completed_at,omitempty"`
}

type DealerDTO struct {
	Name  string `json:"name"`
	JobID string `json:"job_id"`
	Heavy bool   `json:"heavy"`
}

type ListDealersResponse struct {
	Dealers []DealerDTO `json:"dealers"`
}

type RunMessage struct {
	RunID string `json:"run_id"`
}
