package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
	"github.com/pesio-ai/be-proc-requests/internal/platform/logger"
	"github.com/pesio-ai/be-proc-requests/internal/repository"
)

const testAdminRole = "ADMINISTRATOR"

func newSchemaServiceForTest() (*SchemaService, *fakeSchemaStore, *fakeAuditStore) {
	store := newFakeSchemaStore()
	audit := &fakeAuditStore{}
	return NewSchemaService(store, audit, testAdminRole, logger.Nop()), store, audit
}

func threeStepSchema(divisionID string) *repository.ApprovalSchema {
	return &repository.ApprovalSchema{
		ID:         "schema-1",
		DivisionID: divisionID,
		Name:       "Standard",
		IsActive:   true,
		Steps: []repository.SchemaStep{
			{StepIndex: 0, RoleID: "TEAM_LEAD", Threshold: 1000_00},
			{StepIndex: 1, RoleID: "DEPT_HEAD", Threshold: 5000_00},
			{StepIndex: 2, RoleID: "FINANCE_DIRECTOR", Threshold: 20000_00},
		},
	}
}

func TestResolvePlanStopsAtCoveringThreshold(t *testing.T) {
	svc, store, _ := newSchemaServiceForTest()
	store.byDiv["div-1"] = threeStepSchema("div-1")

	plan, err := svc.ResolvePlan(context.Background(), "div-1", 3000_00)
	require.NoError(t, err)

	require.Len(t, plan, 2)
	assert.Equal(t, "TEAM_LEAD", plan[0].RoleID)
	assert.Equal(t, "DEPT_HEAD", plan[1].RoleID)
}

func TestResolvePlanExactThresholdIsSufficient(t *testing.T) {
	svc, store, _ := newSchemaServiceForTest()
	store.byDiv["div-1"] = threeStepSchema("div-1")

	plan, err := svc.ResolvePlan(context.Background(), "div-1", 1000_00)
	require.NoError(t, err)

	require.Len(t, plan, 1)
	assert.Equal(t, "TEAM_LEAD", plan[0].RoleID)
}

func TestResolvePlanEscalatesToAllStepsWhenNoThresholdCovers(t *testing.T) {
	svc, store, _ := newSchemaServiceForTest()
	store.byDiv["div-1"] = threeStepSchema("div-1")

	plan, err := svc.ResolvePlan(context.Background(), "div-1", 50000_00)
	require.NoError(t, err)

	require.Len(t, plan, 3)
	assert.Equal(t, "FINANCE_DIRECTOR", plan[2].RoleID)
}

func TestResolvePlanExcludesAdministratorSteps(t *testing.T) {
	svc, store, _ := newSchemaServiceForTest()
	schema := threeStepSchema("div-1")
	schema.Steps = append(schema.Steps,
		repository.SchemaStep{StepIndex: 3, RoleID: testAdminRole, Threshold: 100000_00})
	store.byDiv["div-1"] = schema

	plan, err := svc.ResolvePlan(context.Background(), "div-1", 999999_00)
	require.NoError(t, err)

	require.Len(t, plan, 3)
	for _, step := range plan {
		assert.NotEqual(t, testAdminRole, step.RoleID)
	}
}

func TestResolvePlanAdministratorOnlySchemaIsConfigurationError(t *testing.T) {
	svc, store, _ := newSchemaServiceForTest()
	store.byDiv["div-1"] = &repository.ApprovalSchema{
		ID:         "schema-admin",
		DivisionID: "div-1",
		IsActive:   true,
		Steps: []repository.SchemaStep{
			{StepIndex: 0, RoleID: testAdminRole, Threshold: 1000_00},
			{StepIndex: 1, RoleID: testAdminRole, Threshold: 5000_00},
		},
	}

	plan, err := svc.ResolvePlan(context.Background(), "div-1", 500_00)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfiguration, errors.CodeOf(err))
	assert.Empty(t, plan)
}

func TestResolvePlanNoSchemaIsConfigurationError(t *testing.T) {
	svc, _, _ := newSchemaServiceForTest()

	_, err := svc.ResolvePlan(context.Background(), "div-without-schema", 100_00)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeConfiguration, errors.CodeOf(err))
}

func TestResolvePlanOrdersOutOfOrderInput(t *testing.T) {
	svc, store, _ := newSchemaServiceForTest()
	store.byDiv["div-1"] = &repository.ApprovalSchema{
		ID:         "schema-2",
		DivisionID: "div-1",
		Steps: []repository.SchemaStep{
			{StepIndex: 2, RoleID: "C", Threshold: 300},
			{StepIndex: 0, RoleID: "A", Threshold: 100},
			{StepIndex: 1, RoleID: "B", Threshold: 200},
		},
	}

	plan, err := svc.ResolvePlan(context.Background(), "div-1", 250)
	require.NoError(t, err)

	require.Len(t, plan, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{plan[0].RoleID, plan[1].RoleID, plan[2].RoleID})
}

func TestCreateSchemaValidStepsPersistsAndAudits(t *testing.T) {
	svc, store, audit := newSchemaServiceForTest()
	schema := threeStepSchema("div-1")
	schema.ID = ""

	err := svc.CreateSchema(context.Background(), schema, "admin-1")
	require.NoError(t, err)

	assert.NotEmpty(t, schema.ID)
	assert.True(t, schema.IsActive)
	assert.Equal(t, 1, store.createN)
	assert.Equal(t, 1, audit.countByAction("schema_created"))
}

func TestCreateSchemaRejectsInvalidSteps(t *testing.T) {
	svc, _, _ := newSchemaServiceForTest()

	cases := []struct {
		name  string
		steps []repository.SchemaStep
	}{
		{"empty", nil},
		{"gap in indices", []repository.SchemaStep{
			{StepIndex: 0, RoleID: "A", Threshold: 100},
			{StepIndex: 2, RoleID: "B", Threshold: 200},
		}},
		{"missing role", []repository.SchemaStep{
			{StepIndex: 0, RoleID: "", Threshold: 100},
		}},
		{"zero threshold", []repository.SchemaStep{
			{StepIndex: 0, RoleID: "A", Threshold: 0},
		}},
		{"decreasing thresholds", []repository.SchemaStep{
			{StepIndex: 0, RoleID: "A", Threshold: 500},
			{StepIndex: 1, RoleID: "B", Threshold: 100},
		}},
		{"administrator only", []repository.SchemaStep{
			{StepIndex: 0, RoleID: testAdminRole, Threshold: 100},
			{StepIndex: 1, RoleID: testAdminRole, Threshold: 200},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.CreateSchema(context.Background(), &repository.ApprovalSchema{
				DivisionID: "div-1",
				Steps:      tc.steps,
			}, "admin-1")
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
		})
	}
}

func TestUpdateSchemaDoesNotTouchBoundPlans(t *testing.T) {
	// A request submitted before a schema change keeps its snapshotted plan;
	// the schema store update has no pathway into bound steps at all.
	svc, store, _ := newSchemaServiceForTest()
	store.byDiv["div-1"] = threeStepSchema("div-1")

	audit := &fakeAuditStore{}
	requests := newFakeRequestStore(audit)
	req := &repository.PurchaseRequest{ID: "req-1", DivisionID: "div-1", Amount: 3000_00, Status: repository.RequestStatusDraft}
	require.NoError(t, requests.Create(context.Background(), req))

	plan, err := svc.ResolvePlan(context.Background(), "div-1", req.Amount)
	require.NoError(t, err)
	steps := make([]*repository.RequestStep, len(plan))
	for i, p := range plan {
		steps[i] = &repository.RequestStep{ID: p.RoleID, RequestID: "req-1", StepIndex: i, RoleID: p.RoleID, Threshold: p.Threshold, Decision: repository.DecisionPending}
	}
	require.NoError(t, requests.SubmitWithPlan(context.Background(), "req-1", steps, &repository.AuditEntry{ID: "a1", EntityType: "purchase_request", EntityID: "req-1", Action: "submitted"}))

	updated := threeStepSchema("div-1")
	updated.Steps = []repository.SchemaStep{{StepIndex: 0, RoleID: "CEO", Threshold: 1}}
	require.NoError(t, svc.UpdateSchema(context.Background(), updated, "admin-1"))

	bound, err := requests.GetSteps(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, bound, 2)
	assert.Equal(t, "TEAM_LEAD", bound[0].RoleID)
	assert.Equal(t, "DEPT_HEAD", bound[1].RoleID)
}
