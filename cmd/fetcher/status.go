package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/airbusgeo/geocube-fetcher/downloader"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// newStatusHandler serves the counters of the running job
func newStatusHandler(counters *downloader.Counters, started time.Time) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := counters.Snapshot()
		status["remaining"] = counters.Remaining()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}).Methods("GET")
	router.HandleFunc("/termination_cost", func(w http.ResponseWriter, r *http.Request) {
		terminationCost := 0
		if counters.Remaining() > 0 {
			terminationCost = int(time.Since(started).Seconds() * 1000) //milliseconds since the job started
		}
		fmt.Fprintf(w, "%d", terminationCost)
	}).Methods("GET")

	headersOk := handlers.AllowedHeaders([]string{"*"})
	originsOk := handlers.AllowedOrigins([]string{"*"})
	methodsOk := handlers.AllowedMethods([]string{"GET", "OPTIONS"})
	return handlers.CORS(originsOk, headersOk, methodsOk)(router)
}
