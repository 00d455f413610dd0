// Package rag implements the retrieval-augmented answer pipeline.
//
// The pipeline has two halves:
//
//   - Offline ingestion (Indexer): documents are chunked, embedded and
//     persisted; progress is tracked by ingestion jobs.
//   - Online query path: Retriever → Reranker → Assembler → Grounding →
//     Answerer, each stage strictly gating the next. Any stage may
//     short-circuit with a typed *Error; degradable stages (reranking,
//     advisory grounding) absorb failures and attach Warnings instead.
//
// All external capabilities (embedding, vector search, lexical search,
// rerank scoring, grounding judgment, generation, access filtering) are
// consumer-defined interfaces, so every stage is testable with in-memory
// fakes and swappable between local and remote implementations.
//
// Tunables travel in an explicit Options value threaded through each
// stage call; the package holds no ambient configuration.
package rag
