package normalizer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	dErrors "erpsplit/pkg/domain-errors"
	audit "erpsplit/pkg/platform/audit"
	"erpsplit/pkg/platform/sentinel"
)

// PlanMigration turns a source schema into an ordered plan with one step
// per embedded field, sorted by collection then field path, and stores it.
// Planning the same schema version twice returns the stored plan; a
// different schema under an existing version is rejected.
func (n *Normalizer) PlanMigration(ctx context.Context, schema SourceSchema) (Plan, error) {
	if schema.Version == "" {
		return Plan{}, dErrors.New(dErrors.CodeValidation, "schema version is required")
	}

	seen := make(map[string]struct{})
	var steps []Step
	for _, coll := range schema.Collections {
		if coll.Name == "" {
			return Plan{}, dErrors.New(dErrors.CodeValidation, "collection name is required")
		}
		for _, field := range coll.Embedded {
			step, err := n.stepFor(schema.Version, coll.Name, field)
			if err != nil {
				return Plan{}, err
			}
			if _, dup := seen[step.ID]; dup {
				return Plan{}, dErrors.Newf(dErrors.CodeValidation, "%s.%s is listed twice", coll.Name, field.Path)
			}
			seen[step.ID] = struct{}{}
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Collection != steps[j].Collection {
			return steps[i].Collection < steps[j].Collection
		}
		return steps[i].FieldPath < steps[j].FieldPath
	})

	plan := Plan{
		ID:            schema.Version,
		SchemaVersion: schema.Version,
		CreatedAt:     n.now(),
		Steps:         steps,
	}
	err := n.plans.SavePlan(ctx, plan)
	if errors.Is(err, sentinel.ErrAlreadyApplied) {
		existing, getErr := n.plans.GetPlan(ctx, plan.ID)
		if getErr != nil {
			return Plan{}, dErrors.Wrap(getErr, dErrors.CodeInternal, "failed to read existing plan")
		}
		if !sameSteps(existing.Steps, plan.Steps) {
			return Plan{}, dErrors.Newf(dErrors.CodeValidation,
				"plan %s already exists with different steps", plan.ID)
		}
		return existing, nil
	}
	if err != nil {
		return Plan{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save plan")
	}

	n.logger.InfoContext(ctx, "migration plan created", "plan_id", plan.ID, "steps", len(plan.Steps))
	n.emit(ctx, audit.Event{
		Action:  string(audit.EventPlanCreated),
		PlanID:  plan.ID,
		Subject: plan.ID,
		Outcome: "created",
		Detail:  map[string]any{"steps": len(plan.Steps)},
	})
	return plan, nil
}

func (n *Normalizer) stepFor(version, collection string, field EmbeddedField) (Step, error) {
	if field.Path == "" {
		return Step{}, dErrors.Newf(dErrors.CodeValidation, "%s: embedded path is required", collection)
	}
	if _, err := n.owners.ResolveOwner(field.TargetType); err != nil {
		return Step{}, err
	}
	step := Step{
		ID:             fmt.Sprintf("%s:%s.%s", version, collection, field.Path),
		PlanID:         version,
		Collection:     collection,
		FieldPath:      field.Path,
		TargetType:     field.TargetType,
		TargetField:    field.TargetField,
		KeyFields:      field.KeyFields,
		SnapshotFields: field.SnapshotFields,
	}
	if step.TargetField == "" {
		step.TargetField = step.parent() + step.leaf() + "Id"
	}
	if step.TargetField == step.FieldPath || step.TargetField == step.SnapshotField() {
		return Step{}, dErrors.Newf(dErrors.CodeValidation, "%s.%s: target field %q collides with the step's own fields",
			collection, field.Path, step.TargetField)
	}
	return step, nil
}

// GetPlan returns a stored plan.
func (n *Normalizer) GetPlan(ctx context.Context, id string) (Plan, error) {
	plan, err := n.plans.GetPlan(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Plan{}, dErrors.Newf(dErrors.CodeNotFound, "plan %s not found", id)
	}
	if err != nil {
		return Plan{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read plan")
	}
	return plan, nil
}

func (n *Normalizer) ListPlans(ctx context.Context) ([]Plan, error) {
	plans, err := n.plans.ListPlans(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list plans")
	}
	return plans, nil
}
