// Package routing is the smart router. It picks, from the backends a
// request may use, the one with the lowest Expected Cost of Successful
// Completion:
//
//	ECSC = (inputTokens*costIn + outputTokens*(1+margin)*costOut) / priorSuccess
//
// Candidates are active backends meeting the tier, context window, tool and
// vendor requirements that are not excluded by the verdict, not behind an
// open circuit and not out of quota. A degrade verdict caps the tier at the
// originally requested one; the router never upgrades silently. A preferred
// region narrows the set when at least one candidate serves it.
//
// Ties break on higher prior success, then on backend id, so identical
// inputs always produce the same decision. An empty candidate set yields a
// *NoCandidateError, which is distinct from a policy block.
package routing
