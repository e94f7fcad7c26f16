package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainManifest  = "statekit/manifest/v1"
	DomainTraitPlan = "statekit/plan/v1"
	DomainSourceKey = "statekit/key/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PlanDigest computes the content digest of a trait plan's steps.
// Step order is significant: two plans that install the same steps in a
// different order have different digests.
func PlanDigest(steps []TraitStep) (string, error) {
	arr := make(IRArray, len(steps))
	for i, s := range steps {
		srcs := make(IRArray, len(s.SourceFieldPaths))
		for j, p := range s.SourceFieldPaths {
			srcs[j] = IRString(p)
		}
		arr[i] = IRObject{
			"kind":               IRString(s.Kind),
			"target_field_path":  IRString(s.TargetFieldPath),
			"source_field_paths": srcs,
			"resource_id":        IRString(s.ResourceID),
		}
	}

	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("PlanDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTraitPlan, canonical), nil
}

// ManifestDigest computes the digest of a manifest with its Digest field
// cleared.
func ManifestDigest(m Manifest) (string, error) {
	selectors := make(IRArray, len(m.Selectors))
	for i, s := range m.Selectors {
		selectors[i] = IRObject{
			"id":       IRString(s.ID),
			"reads":    stringArray(s.Reads),
			"expr":     IRString(s.Expr),
			"equality": IRString(s.Equality),
		}
	}
	tasks := make(IRArray, len(m.Tasks))
	for i, t := range m.Tasks {
		tasks[i] = IRObject{
			"name":        IRString(t.Name),
			"mode":        IRString(t.Mode),
			"concurrency": IRInt(t.Concurrency),
		}
	}
	obj := IRObject{
		"manifest_version": IRString(m.ManifestVersion),
		"module":           IRString(m.Module),
		"fields":           stringArray(m.Fields),
		"actions":          stringArray(m.Actions),
		"plan_digest":      IRString(m.Plan.Digest),
		"selectors":        selectors,
		"tasks":            tasks,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ManifestDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainManifest, canonical), nil
}

// SourceKey hashes a source's computed key value so that structurally equal
// keys dedupe to the same in-flight load regardless of map iteration order.
func SourceKey(resourceID string, key IRValue) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"resource": IRString(resourceID),
		"key":      key,
	})
	if err != nil {
		return "", fmt.Errorf("SourceKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSourceKey, canonical), nil
}

// MustPlanDigest is like PlanDigest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPlanDigest(steps []TraitStep) string {
	d, err := PlanDigest(steps)
	if err != nil {
		panic(err)
	}
	return d
}

func stringArray(ss []string) IRArray {
	out := make(IRArray, len(ss))
	for i, s := range ss {
		out[i] = IRString(s)
	}
	return out
}
