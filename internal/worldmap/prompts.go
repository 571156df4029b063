package worldmap

import "fmt"

// routeConceptPrompt asks for the path setting between two known regions.
// The response must be a JSON object matching [RouteConcept].
func routeConceptPrompt(w WorldSeed, from, to *Node) string {
	return fmt.Sprintf(`你是一个地图架构师。
世界设定: 风格:%s, 基调:%s, 危机:%s

任务目标:
构思从【%s】(%s) 到【%s】(%s) 之间的通路设定。

请输出 JSON:
{
  "route_name": "通路名称",
  "geo_type": "地理类型",
  "description": "沿途风貌描述",
  "risk_level": 1,
  "rumors": ["相关传闻"]
}`,
		w.Genre, w.Tone, w.FinalConflict,
		from.Name, from.Description,
		to.Name, to.Description,
	)
}

// subLocationPrompt asks for a new sub-location inside a parent region,
// themed around the player's keyword.
func subLocationPrompt(w WorldSeed, parent *Node, keyword string) string {
	return fmt.Sprintf(`你是一个地图架构师。
世界设定: 风格:%s, 基调:%s

玩家正在【%s】(%s) 中探索，想找: "%s"

请为这个区域构思一个合理的子地点，输出 JSON:
{
  "name": "地点名称",
  "desc": "地点描述",
  "geo_feature": "地理特征",
  "risk_level": 1,
  "connection_path_name": "连接通路名称"
}`,
		w.Genre, w.Tone,
		parent.Name, parent.Description,
		keyword,
	)
}
