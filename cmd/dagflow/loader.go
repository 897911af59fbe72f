package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/BaSui01/dagflow/types"
	"github.com/BaSui01/dagflow/workflow"
)

// fileLoader 读取本地文件作为 document_loader 节点的输出。
// format 为 json 时解码为结构化值，其余按文本返回。
var fileLoader = workflow.InvokerFunc(func(ctx context.Context, req workflow.InvokeRequest) (any, error) {
	doc, ok := req.Kind.(workflow.DocumentLoaderNode)
	if !ok {
		return nil, types.NewError(types.ErrInvalidNode, fmt.Sprintf("file loader cannot run %T", req.Kind))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := strings.TrimPrefix(doc.Source, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.ErrExecution, "load document "+path).WithCause(err)
	}

	if strings.EqualFold(doc.Format, "json") {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, types.NewError(types.ErrExecution, "decode document "+path).WithCause(err)
		}
		return v, nil
	}
	return string(data), nil
})
