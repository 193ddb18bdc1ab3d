// Package hitl 提供代理运行中的人工决策挂起与恢复能力。
//
// Registry 以会话为键保存一次性决策槽；Bridge 把 ask_user、
// show_*_choices 等能力暴露给代理运行时，每次调用先发布提示事件，
// 再挂起等待人工答案，最后把答案翻译成代理可执行的指令。
package hitl
