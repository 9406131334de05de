package framework

// Message 消息结构（框架内部流转）
type Message struct {
	ID       string // 消息 ID
	Queue    string // 队列名称
	Data     []byte // 原始 Job 数据
	Attempts int    // 已投递次数
}
