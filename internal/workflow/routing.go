package workflow

import (
	"github.com/pitabwire/taskgate/internal/engine"
	"github.com/pitabwire/taskgate/model"
)

// ResolveQueue returns the queue bound to the first candidate group, in the
// task's own order, that has a mapping. Tasks with no mapped group go to the
// default queue.
func ResolveQueue(candidateGroups []string, mappings map[string]string) string {
	for _, group := range candidateGroups {
		if queue, ok := mappings[group]; ok && queue != "" {
			return queue
		}
	}
	return model.DefaultQueue
}

// BuildTaskRoutes resolves a route for every user task of a deployed
// definition, keeping document order.
func BuildTaskRoutes(tasks []engine.UserTaskDefinition, mappings map[string]string) []model.TaskRoute {
	routes := make([]model.TaskRoute, 0, len(tasks))
	for _, t := range tasks {
		routes = append(routes, model.TaskRoute{
			TaskDefinitionKey: t.ID,
			TaskName:          t.Name,
			CandidateGroups:   append([]string(nil), t.CandidateGroups...),
			Queue:             ResolveQueue(t.CandidateGroups, mappings),
			Metadata: model.RouteMetadata{
				Documentation: t.Documentation,
				FormKey:       t.FormKey,
				Category:      t.Category,
				Priority:      t.Priority,
			},
		})
	}
	return routes
}
