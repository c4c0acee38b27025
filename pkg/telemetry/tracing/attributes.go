package tracing

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by spans across the decision path.
const (
	AttrCorrelationID = attribute.Key("conductor.correlation_id")
	AttrWorkflowID    = attribute.Key("conductor.workflow_id")
	AttrBackendID     = attribute.Key("conductor.backend_id")
	AttrPhase         = attribute.Key("conductor.policy.phase")
	AttrRulesCount    = attribute.Key("conductor.policy.rules")
	AttrPassed        = attribute.Key("conductor.policy.passed")
	AttrScore         = attribute.Key("conductor.routing.score")
	AttrCandidates    = attribute.Key("conductor.routing.candidates")
	AttrAttempt       = attribute.Key("conductor.recovery.attempt")
	AttrFailureClass  = attribute.Key("conductor.recovery.failure_class")
	AttrState         = attribute.Key("conductor.workflow.state")
)
