package tools

// Register wires every tool into the registry and exposes the enabled
// categories. Categories file_management, assistance_request and
// agent_communication are recognized but carry no tools in this build.
func Register(r *Registry) error {
	regs := []func(*Registry) error{
		registerHealth,

		registerAskProjectRAG,
		registerGetRAGStatus,
		registerRunIndexingCycle,

		registerViewProjectContext,
		registerUpdateProjectContext,
		registerBulkUpdateProjectContext,
		registerDeleteProjectContext,
		registerBackupProjectContext,
		registerValidateContextConsistency,

		registerSaveSessionState,
		registerLoadSessionState,
		registerListSessionStates,
		registerClearSessionState,

		registerCreateAgent,
		registerTerminateAgent,
		registerListAgents,
		registerViewStatus,
		registerRelaunchAgent,
		registerRevealToken,
		registerCreateBackgroundAgent,

		registerCreateSelfTask,
		registerAssignTask,
		registerViewTasks,
		registerUpdateTaskStatus,
		registerSearchTasks,
		registerDeleteTask,
		registerBulkTaskOperations,
	}
	for _, reg := range regs {
		if err := reg(r); err != nil {
			return err
		}
	}
	registerResources(r)
	r.Apply()
	return nil
}
