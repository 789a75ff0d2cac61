package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"time"

	"ChainAI-Agent/sdk/go/chainai"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chain-ai/query", func(w http.ResponseWriter, r *http.Request) {
		var req chainai.QueryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(chainai.QueryResponse{
			Status:    "success",
			RequestID: "req-demo",
			Results: []chainai.FunctionResult{{
				Status: "success",
				Data:   json.RawMessage(`{"address":"0x0000000000000000000000000000000000000001","balance":"0.42","symbol":"ETH"}`),
			}},
			Context: []chainai.Turn{
				{Role: "user", Content: req.Query},
				{Role: "assistant", Content: "The wallet holds 0.42 ETH."},
			},
			FinalResponse: "The wallet holds 0.42 ETH.",
		})
	})
	mux.HandleFunc("POST /api/v1/chain-ai/tasks", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"task":   chainai.Task{ID: "task-demo", Status: "pending", MaxRetries: 3},
		})
	})
	mux.HandleFunc("GET /api/v1/chain-ai/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"task": chainai.Task{
				ID:       "task-demo",
				Status:   "succeeded",
				Attempts: 1,
				Result:   &chainai.TaskResult{FinalResponse: "Gas is 12 gwei right now."},
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := chainai.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatalf("create client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Query(ctx, chainai.QueryRequest{
		Query:   "What is the balance of 0x0000000000000000000000000000000000000001?",
		Options: chainai.QueryOptions{Backend: "openai", ChainID: 11155111},
	})
	if err != nil {
		log.Fatalf("query: %v", err)
	}
	fmt.Printf("query %s: %s\n", resp.RequestID, resp.FinalResponse)

	task, err := client.SubmitTask(ctx, chainai.TaskSubmission{Query: "What is the gas price?"})
	if err != nil {
		log.Fatalf("submit task: %v", err)
	}
	fmt.Printf("submitted task %s (%s)\n", task.ID, task.Status)

	done, err := client.WaitForTask(ctx, task.ID, 100*time.Millisecond)
	if err != nil {
		log.Fatalf("wait for task: %v", err)
	}
	fmt.Printf("task %s %s: %s\n", done.ID, done.Status, done.Result.FinalResponse)
}
