// Package reconcile compares the user count a device reported over the bus
// with the externally supplied reference counts.
//
// Sign convention: Difference = reference - bus. The reference is the API
// count when present, otherwise the database count. With no reference the
// result is INCONCLUSIVE and Difference is 0, which is not a claim of
// agreement: callers branch on Classification, never on Difference.
//
// A malformed payload overrides the equality rule: such a record is
// MISMATCH even when the reference equals its zero bus count.
package reconcile

import "github.com/lucaslui/hems/roster-reconciler/internal/model"

// Reconcile is pure. A record completed from a malformed payload never
// classifies as MATCH: its zero count is not a device report.
func Reconcile(rec model.DiscoveryRecord, api, db model.Count) model.ReconciliationResult {
	res := model.ReconciliationResult{
		Key:               rec.Key,
		BusUserCount:      len(rec.ReportedUsers),
		APIUserCount:      api,
		DatabaseUserCount: db,
	}
	if rec.MalformedPayload {
		res.Annotation = model.AnnotationMalformedPayload
	}

	ref, source := chooseReference(api, db)
	if source == model.ReferenceNone {
		res.Classification = model.Inconclusive
		return res
	}

	res.ReferenceCount = ref
	res.ReferenceSource = source
	res.Difference = ref - res.BusUserCount

	switch {
	case rec.MalformedPayload:
		res.Classification = model.Mismatch
	case res.Difference == 0:
		res.Classification = model.Match
	default:
		res.Classification = model.Mismatch
	}
	return res
}

// WithReferences reconciles against resolved references, carrying the asset
// identity and any resolution annotation into the result.
func WithReferences(rec model.DiscoveryRecord, refs model.References) model.ReconciliationResult {
	res := Reconcile(rec, refs.APICount, refs.DatabaseCount)
	res.AssetID = refs.AssetID
	if res.Annotation == model.AnnotationNone {
		res.Annotation = refs.Annotation
	}
	return res
}

// Unanswered builds the INCONCLUSIVE result for a device whose request was
// never answered. annotation is either no-response or interrupted.
func Unanswered(rec model.DiscoveryRecord, annotation model.Annotation) model.ReconciliationResult {
	return model.ReconciliationResult{
		Key:            rec.Key,
		Classification: model.Inconclusive,
		Annotation:     annotation,
	}
}

func chooseReference(api, db model.Count) (int, model.ReferenceSource) {
	switch {
	case api.Valid:
		return api.N, model.ReferenceAPI
	case db.Valid:
		return db.N, model.ReferenceDatabase
	default:
		return 0, model.ReferenceNone
	}
}
