// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/go-chi/chi/v5"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/autobrr/warden/internal/models"
)

const (
	defaultItemsLimit = 100
	maxItemsLimit     = 1000
)

// ItemsHandler serves the item inventory of a library: state filtering,
// fuzzy search over paths, and expression filters over item attributes.
type ItemsHandler struct {
	items *models.ItemStore
}

func NewItemsHandler(items *models.ItemStore) *ItemsHandler {
	return &ItemsHandler{items: items}
}

func (h *ItemsHandler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{itemID}", h.get)
}

// ItemsResponse is the paginated item listing.
type ItemsResponse struct {
	Items  []*models.Item `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (h *ItemsHandler) list(w http.ResponseWriter, r *http.Request) {
	libraryID, ok := ParseLibraryID(w, r)
	if !ok {
		return
	}

	states, ok := parseStates(w, r)
	if !ok {
		return
	}

	search := strings.TrimSpace(r.URL.Query().Get("search"))
	filterSrc := strings.TrimSpace(r.URL.Query().Get("filter"))
	page := ParsePagination(r, defaultItemsLimit, maxItemsLimit)

	var program *vm.Program
	if filterSrc != "" {
		var err error
		program, err = expr.Compile(filterSrc, expr.AsBool())
		if err != nil {
			RespondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid filter expression: %v", err))
			return
		}
	}

	// Search and filter need the whole set before pagination applies, so the
	// store query is unpaginated and the slice is cut at the end.
	var items []*models.Item
	var err error
	if len(states) == 0 {
		items, err = h.items.ListByLibrary(r.Context(), libraryID)
	} else {
		items, err = h.items.ListByStates(r.Context(), libraryID, states, maxItemsLimit*10, 0)
	}
	if err != nil {
		RespondStoreError(w, err, "Failed to list items")
		return
	}

	if search != "" {
		items = searchItems(items, search)
	}

	if program != nil {
		items, err = filterItems(items, program)
		if err != nil {
			RespondError(w, http.StatusBadRequest, fmt.Sprintf("Filter evaluation failed: %v", err))
			return
		}
	}

	total := len(items)
	if page.Offset >= len(items) {
		items = []*models.Item{}
	} else {
		end := page.Offset + page.Limit
		if end > len(items) {
			end = len(items)
		}
		items = items[page.Offset:end]
	}

	RespondJSON(w, http.StatusOK, ItemsResponse{
		Items:  items,
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

func (h *ItemsHandler) get(w http.ResponseWriter, r *http.Request) {
	itemID, ok := ParseItemID(w, r)
	if !ok {
		return
	}

	item, err := h.items.Get(r.Context(), itemID)
	if err != nil {
		RespondStoreError(w, err, "Failed to get item")
		return
	}
	RespondJSON(w, http.StatusOK, item)
}

func parseStates(w http.ResponseWriter, r *http.Request) ([]models.ItemState, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("states"))
	if raw == "" {
		return nil, true
	}

	var states []models.ItemState
	for _, part := range strings.Split(raw, ",") {
		state := models.ItemState(strings.TrimSpace(part))
		if !state.IsValid() {
			RespondError(w, http.StatusBadRequest, fmt.Sprintf("Unknown item state %q", part))
			return nil, false
		}
		states = append(states, state)
	}
	return states, true
}

// searchItems ranks items by fuzzy match against the relative path and the
// parsed release title, best matches first.
func searchItems(items []*models.Item, query string) []*models.Item {
	type ranked struct {
		item *models.Item
		rank int
	}

	matches := make([]ranked, 0, len(items))
	for _, item := range items {
		best := fuzzy.RankMatchNormalizedFold(query, item.RelPath)
		if item.ReleaseTitle != "" {
			if r := fuzzy.RankMatchNormalizedFold(query, item.ReleaseTitle); r != -1 && (best == -1 || r < best) {
				best = r
			}
		}
		if best != -1 {
			matches = append(matches, ranked{item: item, rank: best})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].rank < matches[j].rank })

	out := make([]*models.Item, len(matches))
	for i, m := range matches {
		out[i] = m.item
	}
	return out
}

// filterItems keeps the items for which the compiled expression evaluates to
// true. The environment exposes the commonly filtered attributes plus raw
// integration annotations.
func filterItems(items []*models.Item, program *vm.Program) ([]*models.Item, error) {
	out := make([]*models.Item, 0, len(items))
	for _, item := range items {
		result, err := expr.Run(program, itemEnv(item))
		if err != nil {
			return nil, err
		}
		if keep, ok := result.(bool); ok && keep {
			out = append(out, item)
		}
	}
	return out, nil
}

func itemEnv(item *models.Item) map[string]any {
	env := map[string]any{
		"relPath":     item.RelPath,
		"state":       string(item.State),
		"sizeBytes":   item.SizeBytes,
		"title":       item.ReleaseTitle,
		"year":        item.ReleaseYear,
		"resolution":  item.ReleaseResolution,
		"annotations": item.Annotations,
	}

	if item.Probe != nil {
		env["durationSeconds"] = item.Probe.DurationSeconds
		env["width"] = item.Probe.Width
		env["height"] = item.Probe.Height
		env["codec"] = item.Probe.Codec
	} else {
		env["durationSeconds"] = float64(0)
		env["width"] = 0
		env["height"] = 0
		env["codec"] = ""
	}

	if item.Annotations == nil {
		env["annotations"] = map[string]map[string]any{}
	}

	return env
}
