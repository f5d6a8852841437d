package retrieve

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"lorebase/internal/store"
	"lorebase/internal/vectorstore"
)

// ImageHit is one image file matched by a shared-space search.
type ImageHit struct {
	FileID           int64   `json:"file_id"`
	OriginalFilename string  `json:"original_filename"`
	FileType         string  `json:"file_type"`
	Snippet          string  `json:"snippet"`
	Score            float64 `json:"score"`
}

// SearchImagesByText retrieves image files matching a text query. Text
// and image vectors share one space, so this is a plain vector search
// filtered down to image-typed files afterwards.
func (e *Engine) SearchImagesByText(ctx context.Context, scope Scope, query string, topK int) ([]ImageHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	vecs, err := e.embed.EmbedTexts(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		log.Warn().Err(err).Msg("image search embedding failed")
		return nil, nil
	}
	return e.searchImagesByVector(ctx, scope, vecs[0], topK)
}

// SearchImagesByImage retrieves image files similar to the given image.
func (e *Engine) SearchImagesByImage(ctx context.Context, scope Scope, data []byte, format string, topK int) ([]ImageHit, error) {
	vec, err := e.embed.EmbedImage(ctx, data, format)
	if err != nil {
		log.Warn().Err(err).Msg("image embedding failed")
		return nil, nil
	}
	return e.searchImagesByVector(ctx, scope, vec, topK)
}

func (e *Engine) searchImagesByVector(ctx context.Context, scope Scope, vec []float32, topK int) ([]ImageHit, error) {
	if topK <= 0 {
		topK = 20
	}
	kbIDs, _, _, err := e.resolveScope(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(kbIDs) == 0 {
		return nil, nil
	}
	var filter *vectorstore.Filter
	if scope.KnowledgeBaseID != nil {
		filter = &vectorstore.Filter{KnowledgeBaseID: scope.KnowledgeBaseID}
	}
	limit := topK * 4
	if limit > 80 {
		limit = 80
	}
	hits, err := e.vector.Search(ctx, vec, limit, filter)
	if err != nil {
		log.Warn().Err(err).Msg("image vector search failed")
		return nil, nil
	}
	if len(hits) == 0 {
		return nil, nil
	}

	inScope := map[int64]bool{}
	for _, kb := range kbIDs {
		inScope[kb] = true
	}
	var fileIDs []int64
	for _, h := range hits {
		if inScope[h.Payload.KnowledgeBaseID] && h.Payload.FileID != 0 {
			fileIDs = append(fileIDs, h.Payload.FileID)
		}
	}
	files, err := e.store.GetFilesByIDs(ctx, fileIDs)
	if err != nil {
		return nil, err
	}

	// Best hit per file wins; image-source chunks outrank text-source
	// ones for the same file at equal distance.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Payload.EmbeddingSource == store.SourceImage &&
			hits[j].Payload.EmbeddingSource != store.SourceImage
	})
	seen := map[int64]bool{}
	var out []ImageHit
	for _, h := range hits {
		f, ok := files[h.Payload.FileID]
		if !ok || f.UserID != scope.UserID || !isImageFileType(f.FileType) {
			continue
		}
		if !inScope[h.Payload.KnowledgeBaseID] || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, ImageHit{
			FileID:           f.ID,
			OriginalFilename: f.OriginalFilename,
			FileType:         f.FileType,
			Snippet:          snippet(h.Payload.Content),
			Score:            clamp01(1 - h.Distance),
		})
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func isImageFileType(ft string) bool {
	switch strings.ToLower(ft) {
	case "jpeg", "jpg", "png":
		return true
	}
	return false
}

const snippetLen = 200

func snippet(content string) string {
	runes := []rune(content)
	if len(runes) > snippetLen {
		return string(runes[:snippetLen])
	}
	return content
}
