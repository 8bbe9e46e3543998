package authz

// matrix is the static role/resource/action grant table. It is data, loaded
// once at process start, and never derived or mutated at runtime. Anything
// absent resolves to ScopeNone.
//
// Admin holds full control over business records but only read access to the
// audit log: the legacy grant of update/delete on audit history is excluded,
// the trail stays append-only for everyone.
var matrix = map[Role]map[Resource]map[Action]Scope{
	RoleAdmin: {
		ResourceClient: {
			ActionCreate: ScopeAll, ActionRead: ScopeAll, ActionUpdate: ScopeAll, ActionDelete: ScopeAll,
		},
		ResourceUser: {
			ActionCreate: ScopeAll, ActionRead: ScopeAll, ActionUpdate: ScopeAll, ActionDelete: ScopeAll,
		},
		ResourceTransaction: {
			ActionCreate: ScopeAll, ActionRead: ScopeAll, ActionUpdate: ScopeAll, ActionDelete: ScopeAll,
		},
		ResourceInvoice: {
			ActionCreate: ScopeAll, ActionRead: ScopeAll, ActionUpdate: ScopeAll, ActionDelete: ScopeAll,
		},
		ResourceAuditLog: {
			ActionRead: ScopeAll,
		},
	},
	RoleFinance: {
		ResourceClient: {
			ActionCreate: ScopeAll, ActionRead: ScopeAll, ActionUpdate: ScopeAll,
		},
		ResourceUser: {
			ActionRead: ScopeAll,
		},
		ResourceTransaction: {
			ActionCreate: ScopeAll, ActionRead: ScopeAll, ActionUpdate: ScopeAll, ActionDelete: ScopeAll,
		},
		ResourceInvoice: {
			ActionCreate: ScopeAll, ActionRead: ScopeAll, ActionUpdate: ScopeAll, ActionDelete: ScopeAll,
		},
	},
	RoleAuditor: {
		ResourceClient:      {ActionRead: ScopeAll},
		ResourceUser:        {ActionRead: ScopeAll},
		ResourceTransaction: {ActionRead: ScopeAll},
		ResourceInvoice:     {ActionRead: ScopeAll},
		ResourceAuditLog:    {ActionRead: ScopeAll},
	},
	RoleClient: {
		ResourceClient:      {ActionRead: ScopeOwn},
		ResourceTransaction: {ActionRead: ScopeOwn},
		ResourceInvoice:     {ActionRead: ScopeOwn},
	},
}

// Lookup returns the granted scope for the triple, ScopeNone when absent.
func Lookup(role Role, resource Resource, action Action) Scope {
	byResource, ok := matrix[role]
	if !ok {
		return ScopeNone
	}
	byAction, ok := byResource[resource]
	if !ok {
		return ScopeNone
	}
	scope, ok := byAction[action]
	if !ok {
		return ScopeNone
	}
	return scope
}
