package plan

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/muckitymuck/erasure-executor/internal/apperrors"
)

// ValidateParams checks launch params against the plan's params_schema, if
// present (spec §4.1 "Params validation"). A missing schema admits any
// params. Returns *apperrors.Error with code PARAMS_INVALID on failure.
func ValidateParams(p *Plan, params map[string]any) error {
	if len(p.ParamsSchema) == 0 {
		return nil
	}

	schemaBytes, err := json.Marshal(p.ParamsSchema)
	if err != nil {
		return fmt.Errorf("plan: marshal params_schema: %w", err)
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("plan: decode params_schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resourceName := p.PlanID + "-params.json"
	if err := c.AddResource(resourceName, schemaDoc); err != nil {
		return fmt.Errorf("plan: add params_schema resource: %w", err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("plan: compile params_schema: %w", err)
	}

	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(params); err != nil {
		return apperrors.New(apperrors.ParamsInvalid, err.Error())
	}
	return nil
}
