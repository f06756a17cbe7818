// pulsar-mock is a throwaway target server for exercising the monitor
// locally: point endpoints at its routes to get predictable verdicts.
package main

import (
	"flag"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var flapCounter uint64

func main() {
	addr := flag.String("addr", ":9090", "listen address")
	flag.Parse()

	logger := zap.Must(zap.NewDevelopment())
	defer logger.Sync()

	mux := http.NewServeMux()

	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("down"))
	})

	// /slow waits past any sane probe timeout.
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Second)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("slow ok"))
	})

	// /flap alternates between 200 and 503 on each request.
	mux.HandleFunc("/flap", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddUint64(&flapCounter, 1)%2 == 0 {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("flap up"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("flap down"))
	})

	// /status/{code} answers with the given status code.
	mux.HandleFunc("/status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.PathValue("code"))
		if err != nil || code < 100 || code > 599 {
			http.Error(w, "bad code", http.StatusBadRequest)
			return
		}
		w.WriteHeader(code)
	})

	logger.Info("pulsar-mock listening",
		zap.String("addr", *addr),
		zap.String("routes", "/up /down /slow /flap /status/{code}"))
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Fatal("mock server error", zap.Error(err))
	}
}
