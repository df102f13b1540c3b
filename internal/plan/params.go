package plan

import (
	"fmt"
	"strings"

	"github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/protocol"
)

// Step parameter keys. Keys ending in "Name" or "Names" reference assets
// by name and require a snapshot of the space to resolve.
const (
	ParamName                = "name"
	ParamPrompt              = "prompt"
	ParamAssetType           = "assetType"
	ParamAspectRatio         = "aspectRatio"
	ParamAssetID             = "assetId"
	ParamAssetName           = "assetName"
	ParamSourceVariantID     = "sourceVariantId"
	ParamParentAssetID       = "parentAssetId"
	ParamParentAssetName     = "parentAssetName"
	ParamReferenceAssetIDs   = "referenceAssetIds"
	ParamReferenceAssetNames = "referenceAssetNames"
)

func validateStep(s Step) error {
	if !s.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", errors.ErrInvalidInput, s.Action)
	}
	p := s.Params
	switch s.Action {
	case ActionCreate:
		if stringParam(p, ParamName) == "" && s.Description == "" {
			return fmt.Errorf("%w: create needs a name", errors.ErrInvalidInput)
		}
	case ActionRefine:
		if stringParam(p, ParamAssetID) == "" && stringParam(p, ParamAssetName) == "" {
			return fmt.Errorf("%w: refine needs %s or %s", errors.ErrInvalidInput, ParamAssetID, ParamAssetName)
		}
	case ActionCombine:
		n := len(stringsParam(p, ParamReferenceAssetIDs)) + len(stringsParam(p, ParamReferenceAssetNames))
		if n < 2 {
			return fmt.Errorf("%w: combine needs at least two references", errors.ErrInvalidInput)
		}
	}
	if stringParam(p, ParamPrompt) == "" && s.Description == "" {
		return fmt.Errorf("%w: step has neither prompt nor description", errors.ErrInvalidInput)
	}
	return nil
}

// needsSnapshot reports whether resolving s requires the current asset list.
func needsSnapshot(s Step) bool {
	p := s.Params
	return stringParam(p, ParamAssetName) != "" ||
		stringParam(p, ParamParentAssetName) != "" ||
		len(stringsParam(p, ParamReferenceAssetNames)) > 0
}

// resolver maps asset names to IDs against a snapshot.
type resolver struct {
	byName map[string]string
}

func newResolver(assets []protocol.Asset) *resolver {
	r := &resolver{byName: make(map[string]string, len(assets))}
	for _, a := range assets {
		key := strings.ToLower(a.Name)
		// Oldest wins on duplicate names; the snapshot is server ordered.
		if _, ok := r.byName[key]; !ok {
			r.byName[key] = a.ID
		}
	}
	return r
}

func (r *resolver) lookup(name string) (string, error) {
	if r != nil {
		if id, ok := r.byName[strings.ToLower(name)]; ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no asset named %q", errors.ErrNotFound, name)
}

// buildRequest turns a step into the request that executes it.
func buildRequest(s Step, r *resolver) (protocol.Request, error) {
	p := s.Params
	prompt := stringParam(p, ParamPrompt)
	if prompt == "" {
		prompt = s.Description
	}

	switch s.Action {
	case ActionCreate:
		req := protocol.GenerateRequest{
			Name:          nameOrDescription(p, s.Description),
			AssetType:     stringParam(p, ParamAssetType),
			Prompt:        prompt,
			ParentAssetID: stringParam(p, ParamParentAssetID),
			AspectRatio:   stringParam(p, ParamAspectRatio),
		}
		if name := stringParam(p, ParamParentAssetName); name != "" && req.ParentAssetID == "" {
			id, err := r.lookup(name)
			if err != nil {
				return nil, err
			}
			req.ParentAssetID = id
		}
		return req, nil

	case ActionRefine:
		id := stringParam(p, ParamAssetID)
		if id == "" {
			var err error
			if id, err = r.lookup(stringParam(p, ParamAssetName)); err != nil {
				return nil, err
			}
		}
		return protocol.RefineRequest{
			AssetID:         id,
			Prompt:          prompt,
			SourceVariantID: stringParam(p, ParamSourceVariantID),
		}, nil

	case ActionCombine:
		refs := stringsParam(p, ParamReferenceAssetIDs)
		for _, name := range stringsParam(p, ParamReferenceAssetNames) {
			id, err := r.lookup(name)
			if err != nil {
				return nil, err
			}
			refs = appendUnique(refs, id)
		}
		return protocol.GenerateRequest{
			Name:              nameOrDescription(p, s.Description),
			AssetType:         stringParam(p, ParamAssetType),
			Prompt:            prompt,
			ReferenceAssetIDs: refs,
			AspectRatio:       stringParam(p, ParamAspectRatio),
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown action %q", errors.ErrInvalidInput, s.Action)
}

func nameOrDescription(p map[string]any, description string) string {
	if name := stringParam(p, ParamName); name != "" {
		return name
	}
	return description
}

func stringParam(p map[string]any, key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func stringsParam(p map[string]any, key string) []string {
	var out []string
	switch v := p[key].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			out = append(out, s)
		}
	}
	cleaned := out[:0]
	for _, s := range out {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}
