// Package translate converts between the full node's RPC vocabulary and the
// lightningd bcli plugin vocabulary: chain names, fee-rate units and the
// result shapes lightningd expects.
//
// Everything here is a pure function of its inputs except EstimateFees,
// which fans out to the backend through the FeeSource interface.
package translate
