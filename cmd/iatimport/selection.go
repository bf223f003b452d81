package main

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"

	"github.com/Napageneral/iatimport/internal/reconcile"
	"github.com/Napageneral/iatimport/internal/records"
)

// selector is one --select or --skip value: "kind:index" or "kind:*".
type selector struct {
	kind  records.Kind
	index int
	all   bool
}

func parseSelector(value string) (selector, error) {
	kindPart, indexPart, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return selector{}, errors.Errorf("invalid selector %q (want kind:index or kind:*)", value)
	}
	kind, err := records.ParseKind(kindPart)
	if err != nil {
		return selector{}, err
	}
	if strings.TrimSpace(indexPart) == "*" {
		return selector{kind: kind, all: true}, nil
	}
	index, err := strconv.Atoi(strings.TrimSpace(indexPart))
	if err != nil || index < 0 {
		return selector{}, errors.Errorf("invalid index in selector %q", value)
	}
	return selector{kind: kind, index: index}, nil
}

// applySelection parses every selector before touching the plan, so a
// bad value leaves the default selection intact.
func applySelection(plan *reconcile.Plan, include, exclude []string) error {
	type change struct {
		sel      selector
		selected bool
	}
	var changes []change
	for _, values := range []struct {
		list     []string
		selected bool
	}{{include, true}, {exclude, false}} {
		for _, v := range values.list {
			sel, err := parseSelector(v)
			if err != nil {
				return withCode(exitUsage, err)
			}
			changes = append(changes, change{sel: sel, selected: values.selected})
		}
	}

	for _, c := range changes {
		if c.sel.all {
			plan.SelectAll(c.sel.kind, c.selected)
			continue
		}
		if err := plan.Select(c.sel.kind, c.sel.index, c.selected); err != nil {
			return withCode(exitUsage, err)
		}
	}
	return nil
}
