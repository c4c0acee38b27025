// Package recorder is the asynchronous audit sink. It turns policy
// evaluations, violations, workflow transitions, routing decisions and
// circuit changes into evidence records and writes them in the background.
//
// # Recording Flow
//
//  1. A request-path component calls a Record method
//  2. The event is encoded as the record payload and hashed (SHA-256)
//  3. The record is queued without blocking; a full queue drops it,
//     counts the drop in metrics, and logs it at WARN
//  4. A single worker writes queued records to the storage backend
//  5. Close stops intake and drains the queue before returning
//
// # Basic Usage
//
//	rec := recorder.New(store, recorder.DefaultConfig(), recorder.Options{
//	    Metrics: collector,
//	    Logger:  logger,
//	})
//	defer rec.Close()
//
//	v := verifier.New(rules, catalog, verifier.Options{Sink: rec})
//	breakers := recovery.NewBreakers(cfg, recovery.BreakerOptions{Observer: rec})
package recorder
