// Package scoring ranks preview images by community reactions and derives an
// overall 0-100 rating for a model from its aggregate stats.
package scoring

import (
	"sort"

	"go-civitai-manager/internal/models"
)

// Reaction weights. One canonical table, used everywhere an image is ranked
// (fetch-time truncation, gallery ordering, thumbnail selection).
const (
	likeWeight    = 1.0
	heartWeight   = 1.5
	laughWeight   = 0.8
	dislikeWeight = -1.0
	commentWeight = 1.2
)

// ReactionScore computes a popularity score from per-image reaction counts.
func ReactionScore(stats models.ImageStats) float64 {
	return likeWeight*float64(stats.LikeCount) +
		heartWeight*float64(stats.HeartCount) +
		laughWeight*float64(stats.LaughCount) +
		dislikeWeight*float64(stats.DislikeCount) +
		commentWeight*float64(stats.CommentCount)
}

// SortImagesByScore orders images by reaction score, highest first. The sort
// is stable so images with equal scores keep their API order.
func SortImagesByScore(images []models.ModelImage) {
	sort.SliceStable(images, func(i, j int) bool {
		return ReactionScore(images[i].Stats) > ReactionScore(images[j].Stats)
	})
}

// SortDescriptorsByScore orders downloaded image descriptors by reaction
// score, highest first.
func SortDescriptorsByScore(images []models.ImageDescriptor) {
	sort.SliceStable(images, func(i, j int) bool {
		return ReactionScore(images[i].Stats) > ReactionScore(images[j].Stats)
	})
}

// OverallRating derives a 0-100 rating for a model from download, comment
// and review counts. Each term is clamped before summing:
//
//	min(50, downloads/100) + min(25, comments/10) + min(25, rating*ratingCount/20)
func OverallRating(stats models.Stats) int {
	downloadScore := float64(stats.DownloadCount) / 100
	if downloadScore > 50 {
		downloadScore = 50
	}

	commentScore := float64(stats.CommentCount) / 10
	if commentScore > 25 {
		commentScore = 25
	}

	var reviewScore float64
	if stats.RatingCount > 0 {
		reviewScore = stats.Rating * float64(stats.RatingCount) / 20
		if reviewScore > 25 {
			reviewScore = 25
		}
	}

	return int(downloadScore + commentScore + reviewScore)
}

// TopRatedImages returns up to count images ranked by reaction score without
// mutating the input slice.
func TopRatedImages(images []models.ImageDescriptor, count int) []models.ImageDescriptor {
	ranked := make([]models.ImageDescriptor, len(images))
	copy(ranked, images)
	SortDescriptorsByScore(ranked)
	if count > 0 && len(ranked) > count {
		ranked = ranked[:count]
	}
	return ranked
}
