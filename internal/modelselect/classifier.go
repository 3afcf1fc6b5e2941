// Package modelselect classifies a model identifier into its rate-limit
// bucket: a short pure function over typed inputs, no state, no
// dependencies, in the teacher's small single-purpose decision-point style.
package modelselect

import "github.com/ocx/nanobanana-gateway/internal/ratelimit"

// Classify returns the bucket for model: premium if model equals
// premiumModelID; standard if model equals standardModelID; otherwise
// (model empty or unmatched) premium if preferred equals premiumModelID;
// standard in every other case. Per spec.md §4.4.
func Classify(model, preferred, standardModelID, premiumModelID string) ratelimit.Bucket {
	if premiumModelID != "" && model == premiumModelID {
		return ratelimit.BucketPremium
	}
	if standardModelID != "" && model == standardModelID {
		return ratelimit.BucketStandard
	}
	if premiumModelID != "" && preferred == premiumModelID {
		return ratelimit.BucketPremium
	}
	return ratelimit.BucketStandard
}
