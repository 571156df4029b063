package runtime

import (
	"fmt"

	"github.com/vandermeer/talespinner/internal/worldmap"
)

// intentPrompt asks the model to classify the player's input as EXPLORE,
// ACTION or CHAT and extract the operative keyword.
func intentPrompt(locName, history, events, input string) string {
	return fmt.Sprintf(`你是一个游戏指令解析器，判断玩家意图。

玩家位置: %s

【最近对话历史】
%s

【最近事件】
%s
----------------
当前输入: "%s"

请判断玩家意图：
1. **EXPLORE**: 玩家想去一个不在地图上的具体地点 (如"找个商店"、"去山洞"、"进那个门")、查看发现的新内容
2. **ACTION**: 玩家试图改变现状 (如"攻击"、"逃跑"、"砸门"、"使用技能")
3. **CHAT**: 闲聊、观察、询问信息

返回JSON格式:
{
    "intent": "EXPLORE" | "ACTION" | "CHAT",
    "keyword": "地点名(EXPLORE) / 动作词(ACTION) / 关键词(CHAT)"
}`, locName, history, events, input)
}

// actionPrompt puts the model in the referee seat: every action gets an
// outcome and a cost.
func actionPrompt(seed worldmap.WorldSeed, crisisName, locName string, hp, sanity int, history, events, input string) string {
	return fmt.Sprintf(`你是一个严厉的 TRPG 裁判。

世界观: %s
当前危机: %s (等级: %s)
场景: %s
玩家状态: HP %d/100 | SAN %d/100

【最近对话】
%s

【最近事件】
%s
----------------
玩家动作: "%s"

请执行 **动作判定**，遵守以下规则：

1. **后果优先**: 必须判定结果 (成功/失败/部分成功) 和代价
2. **状态改变**: 动作必须导致环境或状态变化
3. **逻辑一致**: 根据 %s 的规则判定
4. **结合历史**: 考虑玩家之前的行为和事件
5. **风格**: 冷硬、客观、紧凑。150字以内，禁止输出 `+"```json"+`

返回叙事描述。`,
		seed.Genre, seed.FinalConflict, crisisName, locName, hp, sanity,
		history, events, input, seed.Genre)
}

// chatPrompt drives plain narration. worldCtx already carries its own
// 【世界状态】 header.
func chatPrompt(seed worldmap.WorldSeed, locName, locDesc, input, worldCtx, history, events, director string) string {
	return fmt.Sprintf(`你是一个专业 TRPG 的沉浸式游戏引擎。

世界题材: %s
整体基调: %s
当前地点: %s - %s
玩家输入: "%s"

%s
【对话历史】
%s

【最近事件】
%s
----------------
%s

请基于以上信息生成回应，遵守以下规则：

1. **物理锚点**: 描述基于场景中客观存在的物体、光影、声音、气味
2. **逻辑一致**: 回应是玩家行为的直接结果，符合 %s 的常识
3. **风格适配**: 保持 %s 的语调
4. **形式约束**: 150字以内，第二人称，禁止使用 `+"```json"+` 标签

返回叙事描述。`,
		seed.Genre, seed.Tone, locName, locDesc, input,
		worldCtx, history, events, director,
		seed.Genre, seed.Tone)
}

const directorCalm = "**【AI Director】**: 专注描写当前物理环境，保持平静或神秘，不要刻意制造恐慌。"

func directorCrisisHint(finalConflict string) string {
	return fmt.Sprintf("**【AI Director】**: 此处必须隐晦地暗示【%s】的迹象（如异常声音、阴影蠕动），营造紧张感。", finalConflict)
}
