// Package toolexecutor routes approved tool calls to the tool services that
// implement them.
//
// A Router maps a logical server name to a ToolService. Tools are addressed
// by qualified name "<server>__<tool>". Every invocation is submitted at most
// once per tool call id, timed, and recorded in the LogStore with a start
// and an outcome entry.
//
// Service kinds:
//   - LocalService: in-process handlers (the "builtin" server).
//   - MCPService: Model Context Protocol servers over stdio or streamable HTTP.
//
// Usage:
//
//	router := toolexecutor.NewRouter(toolexecutor.Config{Logs: toolexecutor.NewLogStore()})
//	local, _ := toolexecutor.NewLocalService(toolexecutor.Builtins(time.Now)...)
//	_, _ = router.Register(ctx, "builtin", local)
//	out, err := router.Execute(ctx, toolexecutor.Call{ID: id, Name: "builtin__text_word_count", Arguments: args})
package toolexecutor
