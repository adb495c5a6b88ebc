package entities

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"ban/internal/resource/models"
	"ban/internal/resource/schema"
)

// ComputeCIA builds the composite identifier of a housenumber:
// INSEE_FANTOIRTAIL_NUMBER_ORDINAL, upper-cased.
func ComputeCIA(insee, fantoirTail, number, ordinal string) string {
	return strings.Join([]string{
		strings.ToUpper(insee),
		strings.ToUpper(fantoirTail),
		strings.ToUpper(number),
		strings.ToUpper(ordinal),
	}, "_")
}

// FantoirTail returns the local part of a fantoir code (everything after the
// INSEE prefix), or "" when the code is too short.
func FantoirTail(fantoir string) string {
	if len(fantoir) <= 5 {
		return ""
	}
	return fantoir[5:]
}

// CheckFantoir verifies that fantoir is the INSEE code followed by the four
// character local identifier and an optional control key.
func CheckFantoir(fantoir, insee string) error {
	if n := len(fantoir); n != 9 && n != 10 {
		return fmt.Errorf("fantoir must be 9 or 10 characters, got %d", n)
	}
	if !strings.EqualFold(fantoir[:5], insee) {
		return fmt.Errorf("fantoir %q does not match municipality insee %q", fantoir, insee)
	}
	return nil
}

func validateGroup(ctx context.Context, c schema.Check) {
	fantoir, _ := c.Value("fantoir").(string)
	if fantoir == "" {
		return
	}
	if !c.Submitted("fantoir") && !c.Submitted("municipality") {
		return
	}
	pk, _ := c.Value("municipality").(int64)
	if pk == 0 {
		return
	}
	municipality, err := c.Load(ctx, Municipality, pk)
	if err != nil {
		c.Error("municipality", "unable to load municipality")
		return
	}
	if err := CheckFantoir(fantoir, municipality.String("insee")); err != nil {
		c.Error("fantoir", err.Error())
	}
}

func validateHouseNumber(_ context.Context, c schema.Check) {
	parent, _ := c.Value("parent").(int64)
	ancestors, _ := c.Value("ancestors").([]int64)
	if parent != 0 && slices.Contains(ancestors, parent) {
		c.Error("ancestors", "parent cannot also be an ancestor")
	}
}

func validatePosition(_ context.Context, c schema.Check) {
	name, _ := c.Value("name").(string)
	center, _ := c.Value("center").(*models.Point)
	if center == nil && name == "" {
		c.Error("center", "center or name is required")
	}
	if inst := c.Instance(); inst != nil {
		if parent, _ := c.Value("parent").(int64); parent != 0 && parent == inst.PK {
			c.Error("parent", "position cannot be its own parent")
		}
	}
}

// deriveFantoir keeps the INSEE prefix of a fantoir code in step with the
// group's municipality.
func deriveFantoir(ctx context.Context, rec *models.Record, l schema.Loader) error {
	fantoir := rec.String("fantoir")
	if len(fantoir) <= 5 {
		return nil
	}
	municipality, err := l.Load(ctx, Municipality, rec.FK("municipality"))
	if err != nil {
		return fmt.Errorf("loading municipality: %w", err)
	}
	insee := strings.ToUpper(municipality.String("insee"))
	if !strings.EqualFold(fantoir[:5], insee) {
		rec.Set("fantoir", insee+fantoir[5:])
	}
	return nil
}

func deriveCIA(ctx context.Context, rec *models.Record, l schema.Loader) error {
	parentPK := rec.FK("parent")
	if parentPK == 0 {
		rec.Set("cia", nil)
		return nil
	}
	parent, err := l.Load(ctx, Group, parentPK)
	if err != nil {
		return fmt.Errorf("loading parent group: %w", err)
	}
	municipality, err := l.Load(ctx, Municipality, parent.FK("municipality"))
	if err != nil {
		return fmt.Errorf("loading parent municipality: %w", err)
	}
	tail := ""
	if parent.String("kind") == KindWay {
		tail = FantoirTail(parent.String("fantoir"))
	}
	rec.Set("cia", ComputeCIA(municipality.String("insee"), tail, rec.String("number"), rec.String("ordinal")))
	return nil
}
