// Package backend provides a typed client for a full node's JSON-RPC
// interface, as served by Floresta or by a Bitcoin Core compatible node.
//
// # Architecture
//
// The package consists of three main components:
//
//   - Pool: Round-robins over the configured endpoints with health tracking
//   - Client: Issues JSON-RPC calls with auth, rate limiting and one retry
//   - Classify: Maps every failure onto a small fixed set of categories
//
// Every operation returns either a typed result or an *Error whose Category
// is one of Unreachable, NotReady, NotFound, Rejected, Malformed,
// Unsupported or Other. Callers branch on the category and reason tag, never
// on the backend's message text.
//
// # Usage
//
//	client, err := backend.NewClient(backend.Config{
//	    Endpoints: []string{"http://127.0.0.1:8080"},
//	}, tracker)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	hash, block, err := client.GetBlockByHeight(ctx, 800000)
//	switch {
//	case backend.IsCategory(err, backend.CategoryNotFound):
//	    // not yet processed by the backend
//	case err != nil:
//	    return err
//	}
//
// # Health side effects
//
// Each attempt is reported to the StatusRecorder passed to NewClient. A
// well-formed reply counts as a success even when it carries an error
// object; only transport failures and timeouts count as failures.
//
// # Retries
//
// A refused, reset or prematurely closed connection is retried once after
// RetryBackoff. Backend error replies and timeouts are never retried.
package backend
