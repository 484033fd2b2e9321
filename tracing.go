package cvm

import "go.opentelemetry.io/otel"

// tracer names every span "cvm.<op>", mirroring the teacher's single
// otel.Tracer("kata") call site used from every traced entry point.
var tracer = otel.Tracer("cvm")
