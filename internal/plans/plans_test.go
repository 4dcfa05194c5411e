package plans

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCatalog_KnownPlans(t *testing.T) {
	c := NewCatalog("model-standard", "model-premium")

	free := c.Limits(PlanFree)
	assert.Equal(t, 15, free.MessageLimit)
	assert.Equal(t, "model-standard", free.Model)
	assert.False(t, free.CanAttach)

	plus := c.Limits(PlanPlus)
	assert.Equal(t, 100, plus.MessageLimit)
	assert.True(t, plus.CanAttach)

	pro := c.Limits(PlanPro)
	assert.Equal(t, 50, pro.MessageLimit)
	assert.Equal(t, "model-premium", pro.Model)

	ultra := c.Limits(PlanUltra)
	assert.Equal(t, Unlimited, ultra.MessageLimit)
	assert.True(t, ultra.CanAttach)
}

func TestCatalog_StudentPlans(t *testing.T) {
	c := NewCatalog("model-standard", "model-premium")

	student := c.Limits(PlanStudent)
	assert.Equal(t, 15, student.MessageLimit)
	assert.False(t, student.CanAttach)

	studentPro := c.Limits(PlanStudentPro)
	assert.Equal(t, Unlimited, studentPro.MessageLimit)
	assert.Equal(t, "model-premium", studentPro.Model)
}

func TestCatalog_UnknownPlanFallsBackToFree(t *testing.T) {
	c := NewCatalog("model-standard", "model-premium")

	limits := c.Limits(Plan("enterprise"))
	assert.Equal(t, c.Limits(PlanFree), limits)
	assert.False(t, c.Known(Plan("enterprise")))
	assert.True(t, c.Known(PlanUltra))
}
