// Package unifiedllm is the model layer consumed by the agent loop. It
// defines the message and content-part types shared by the conversation
// context and the wire, the ChatProvider capability that runs one streamed
// model step, and the classified ModelError taxonomy used for retries.
//
// A gollm-backed provider is included:
//
//	adapter, _ := unifiedllm.NewGollmAdapter("openai", os.Getenv("OPENAI_API_KEY"),
//	    unifiedllm.WithModel("gpt-5.2"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("openai", adapter))
//
//	step, err := unifiedllm.Complete(ctx, client, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//
// Streams are drained with Collect, which merges consecutive text and
// think deltas and assembles tool call fragments into complete calls.
//
// The model catalog lists known models and their context windows:
//
//	info := unifiedllm.GetModelInfo("kimi")
//	window := unifiedllm.ContextWindow("kimi-k2-turbo-preview", 128000)
package unifiedllm
