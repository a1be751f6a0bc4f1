// The mock-open311 binary is a development stand-in for a city's Open311
// endpoint. POST /requests files a new open request; GET /requests.json
// returns the current set with Open311-style pagination.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

type requestIn struct {
	ServiceName string   `json:"service_name"`
	Description string   `json:"description,omitempty"`
	MediaURL    string   `json:"media_url,omitempty"`
	Address     string   `json:"address,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Long        *float64 `json:"long,omitempty"`
}

type mockDB struct {
	mu       sync.Mutex
	requests []map[string]any
}

func (db *mockDB) create(in requestIn) map[string]any {
	db.mu.Lock()
	defer db.mu.Unlock()

	now := time.Now().UTC().Format("2006-01-02T15:04:05") + "Z"
	req := map[string]any{
		"service_request_id": strconv.Itoa(len(db.requests)),
		"status":             "open",
		"service_name":       in.ServiceName,
		"requested_datetime": now,
		"updated_datetime":   now,
	}
	if in.Description != "" {
		req["description"] = in.Description
	}
	if in.MediaURL != "" {
		req["media_url"] = in.MediaURL
	}
	if in.Address != "" {
		req["address"] = in.Address
	}
	if in.Lat != nil {
		req["lat"] = *in.Lat
	}
	if in.Long != nil {
		req["long"] = *in.Long
	}

	db.requests = append(db.requests, req)
	return req
}

func (db *mockDB) page(page, pageSize int) []map[string]any {
	db.mu.Lock()
	defer db.mu.Unlock()

	start := (page - 1) * pageSize
	if start >= len(db.requests) {
		return []map[string]any{}
	}
	end := start + pageSize
	if end > len(db.requests) {
		end = len(db.requests)
	}
	out := make([]map[string]any, end-start)
	copy(out, db.requests[start:end])
	return out
}

func main() {
	db := &mockDB{}
	r := mux.NewRouter()

	r.HandleFunc("/requests", func(w http.ResponseWriter, req *http.Request) {
		var in requestIn
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil || in.ServiceName == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		created := db.create(in)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(created)
	}).Methods(http.MethodPost)

	list := func(w http.ResponseWriter, req *http.Request) {
		page := queryInt(req, "page", 1)
		pageSize := queryInt(req, "page_size", 100)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(db.page(page, pageSize))
	}
	r.HandleFunc("/requests.json", list).Methods(http.MethodGet)
	r.HandleFunc("/requests", list).Methods(http.MethodGet)

	addr := os.Getenv("MOCK_ADDR")
	if addr == "" {
		addr = ":8311"
	}
	log.Printf("Mock Open311 endpoint listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, r))
}

func queryInt(req *http.Request, key string, fallback int) int {
	if raw := req.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
