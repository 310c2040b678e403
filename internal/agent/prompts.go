package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// plannerSystemPrompt drives the planning completion. The model must answer
// with a bare JSON object {"steps": [...]}.
const plannerSystemPrompt = `你是一个专业的数据分析任务规划师，擅长将复杂的数据分析需求拆解为清晰的执行步骤。

## 可用工具
1. **get_table_schema** - 获取数据库表结构
   - 不带参数：获取所有表列表
   - 指定表名：获取该表的详细字段信息

2. **search_knowledge_graph** - 搜索知识图谱（历史 SQL、业务逻辑）
   - 查找相似的历史查询
   - 了解表和字段的业务含义

3. **execute_sql_query** - 执行 SQL 查询
   - 支持 SELECT 查询
   - 自动添加 LIMIT 保护

## 规划原则
1. 在生成 SQL 前，**务必**先使用 get_table_schema 确认表名和字段
2. 对于复杂业务逻辑，可以使用 search_knowledge_graph 参考历史查询作为参考
3. 复杂查询应该分步骤验证
4. 每个步骤应该清晰、具体、可执行

## 示例步骤
- "使用 get_table_schema 获取所有表列表，找到与放款相关的表"
- "使用 get_table_schema('orders') 查看 orders 表的字段结构"
- "使用 search_knowledge_graph 搜索'如何计算放款金额'的历史查询"
- "执行 SQL: SELECT COUNT(*) FROM orders WHERE date = '2024-01-01'"

## 重要：输出格式
**只输出 JSON 对象，不要有任何其他文字！**
直接输出：{"steps": ["步骤1", "步骤2", ...]}`

// executorSystemPrompt drives the tool-calling sub-agent that executes a
// single plan step.
const executorSystemPrompt = `你是一个精确的任务执行器，负责执行数据分析计划中的单个步骤。

## 核心原则
- 你只负责**执行当前分配的任务**，不要自行扩展或规划额外步骤
- 严格使用工具完成任务，不要凭空捏造数据
- 如果工具调用失败，如实报告错误信息，不要自行修正或重试

## 可用工具
1. **get_table_schema** - 获取数据库表结构
   - 不带 table_name 参数：返回数据库所有表列表
   - 指定 table_name：返回该表的详细字段信息（字段名、类型、注释等）

2. **search_knowledge_graph** - 搜索知识图谱
   - 用于查找历史 SQL 查询、业务规则、字段含义等
   - 输入自然语言描述即可

3. **execute_sql_query** - 执行 SQL 查询
   - 仅支持 SELECT 语句
   - 自动添加 LIMIT 保护

## 执行要求
- 调用 execute_sql_query 和 get_table_schema 时，必须使用消息中提供的数据库连接参数
- search_knowledge_graph 不需要数据库连接参数
- 执行完成后，**清晰地汇报结果**，包括关键数据和发现
- 如果任务要求执行 SQL，请在结果中包含实际执行的 SQL 语句`

// stepPrompt renders the per-step task message: the full numbered plan plus
// the step the sub-agent must execute now.
func stepPrompt(plan []string, index int) string {
	var numbered strings.Builder
	for i, step := range plan {
		if i > 0 {
			numbered.WriteByte('\n')
		}
		fmt.Fprintf(&numbered, "%d. %s", i+1, step)
	}

	return fmt.Sprintf(`根据以下计划执行第 %d 步:
%s

当前任务（第 %d/%d 步）: %s

请使用可用工具完成这个任务。
注意：execute_sql_query 和 get_table_schema 工具会自动使用当前配置的数据库连接。
`, index+1, numbered.String(), index+1, len(plan), plan[index])
}

// replanPrompt renders the replanner message from the full controller state.
func replanPrompt(state *State) string {
	planJSON, _ := json.Marshal(state.Plan)

	var past strings.Builder
	for i, ps := range state.PastSteps {
		fmt.Fprintf(&past, "\n%d. 任务: %s\n   结果: %s", i+1, ps.Task, ps.Result)
	}
	if past.Len() == 0 {
		past.WriteString("（无）")
	}

	var errs strings.Builder
	for _, e := range state.Errors {
		fmt.Fprintf(&errs, "\n- %s", e)
	}
	if errs.Len() == 0 {
		errs.WriteString("（无）")
	}

	return fmt.Sprintf(`你是一个数据分析任务重规划师。
根据已完成的步骤和当前状态，决定接下来的行动。

原始目标: %s
原始计划: %s
执行进度: 已执行 %d/%d 步
已完成步骤及结果: %s
错误记录: %s

## 决策原则
- 如果已经获得足够信息可以回答用户问题，返回 Response
- **如果所有计划步骤已执行完毕，必须根据执行结果返回 Response 进行总结回答**
- 如果任务未完成或需要修正，返回更新后的 Plan（只包含尚未完成的步骤）
- 如果 SQL 执行失败，分析错误原因并修正计划
- 如果出现多次错误，可以考虑换一种方式实现

## 输出格式
请以 JSON 格式返回，二选一：
- 结束任务：{"action": {"response": "最终回答内容"}}
- 继续执行：{"action": {"steps": ["步骤1", "步骤2", ...]}}`,
		state.Input, planJSON, state.StepIndex, len(state.Plan), past.String(), errs.String())
}

// fallbackResponse assembles an answer from the completed steps and the
// error log when the controller cannot finish normally.
func fallbackResponse(state *State, reason string) string {
	parts := make([]string, 0, 2+2*len(state.PastSteps)+len(state.Errors))
	if reason != "" {
		parts = append(parts, "⚠️ "+reason)
	} else {
		parts = append(parts, "⚠️ 任务未能正常完成")
	}

	if len(state.PastSteps) > 0 {
		parts = append(parts, "\n## 已执行步骤及结果：")
		for i, ps := range state.PastSteps {
			parts = append(parts, fmt.Sprintf("\n### 步骤 %d: %s", i+1, ps.Task))
			parts = append(parts, ps.Result)
		}
	}

	if len(state.Errors) > 0 {
		parts = append(parts, "\n## 执行过程中的错误：")
		for _, err := range state.Errors {
			parts = append(parts, "- "+err)
		}
	}

	return strings.Join(parts, "\n")
}
