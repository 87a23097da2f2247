package services

import "proxcall/internal/core/domain"

// ShouldInitiateOffer decides which side of a two-party call creates the
// SDP offer. The lexicographically smaller user id always offers, so both
// sides reach the same answer without coordination.
func ShouldInitiateOffer(self, peer domain.UserID) bool {
	return self < peer
}

// Offerer returns the participant that creates the offer for a pair.
func Offerer(a, b domain.UserID) domain.UserID {
	if ShouldInitiateOffer(a, b) {
		return a
	}
	return b
}
